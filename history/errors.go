package history

import (
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrDuplicateRun = errors.New("run already saved")
)

const uniqueViolationCode = pq.ErrorCode("23505")

// isUniqueViolation проверяет, является ли ошибка нарушением ограничения уникальности
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}

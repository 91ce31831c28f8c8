//go:build integration

package smtp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pure-golang/bulkmail/mail"
)

func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// startMailHog starts a MailHog container and returns the SMTP config and the API base URL.
func startMailHog(t *testing.T) (Config, string) {
	skipShort(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mailhog/mailhog:latest",
			ExposedPorts: []string{"1025/tcp", "8025/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Starting SMTP"),
				wait.ForListeningPort("1025/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start mailhog container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	smtpPort, err := container.MappedPort(ctx, "1025")
	require.NoError(t, err)
	apiPort, err := container.MappedPort(ctx, "8025")
	require.NoError(t, err)

	port, err := strconv.Atoi(smtpPort.Port())
	require.NoError(t, err)

	return Config{Host: host, Port: port, TLS: false}, fmt.Sprintf("http://%s:%s", host, apiPort.Port())
}

func TestSender_Integration_SendWithAttachment(t *testing.T) {
	cfg, api := startMailHog(t)

	sender := NewSender(cfg, nil)
	t.Cleanup(func() { sender.Close() })

	ctx := context.Background()
	require.NoError(t, sender.Verify(ctx))

	id, err := sender.Send(ctx, mail.Email{
		From:        mail.Address{Name: "Test Sender", Address: "test@example.com"},
		To:          []mail.Address{{Address: "recipient@example.com"}},
		Subject:     "Integration Test Email",
		Body:        "This is a test email from integration tests.",
		HTML:        "<b>This is a test email from integration tests.</b>",
		Attachments: []mail.Attachment{{Path: "smtp.go"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var result struct {
		Total int `json:"total"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(api + "/api/v2/messages")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return false
		}
		return result.Total == 1
	}, 10*time.Second, 200*time.Millisecond)
}

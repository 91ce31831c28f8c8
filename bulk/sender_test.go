package bulk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pure-golang/bulkmail/mail"
	"github.com/pure-golang/bulkmail/progress"
	"github.com/pure-golang/bulkmail/recipient"
)

var errRejected = errors.New("550 mailbox unavailable")

// fakeTransport counts attempts per address and the peak of concurrent sends.
type fakeTransport struct {
	failFor   map[string]bool
	failTimes map[string]int // fail the first n attempts
	delay     time.Duration
	verifyErr error

	mx       sync.Mutex
	attempts map[string]int
	sent     []mail.Email

	inFlight atomic.Int32
	peak     atomic.Int32
	closed   atomic.Int32
	verified atomic.Int32
}

var _ mail.Sender = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failFor:   make(map[string]bool),
		failTimes: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

func (f *fakeTransport) Verify(context.Context) error {
	f.verified.Add(1)
	return f.verifyErr
}

func (f *fakeTransport) Send(ctx context.Context, email mail.Email) (string, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if cur <= old || f.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	to := email.To[0].Address

	f.mx.Lock()
	defer f.mx.Unlock()
	f.attempts[to]++
	if f.failFor[to] || f.attempts[to] <= f.failTimes[to] {
		return "", errRejected
	}
	f.sent = append(f.sent, email)
	return fmt.Sprintf("<%s-%d@test>", to, f.attempts[to]), nil
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeTransport) attemptsFor(addr string) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.attempts[addr]
}

type factoryCalls struct {
	n         atomic.Int32
	providers []string
}

func (c *factoryCalls) factory(t *fakeTransport) TransportFactory {
	return func(_ context.Context, provider string) (mail.Sender, error) {
		c.n.Add(1)
		c.providers = append(c.providers, provider)
		return t, nil
	}
}

func testTable(t *testing.T, cfg ProviderConfig) *ProviderTable {
	t.Helper()
	table, err := NewProviderTable("test", map[string]ProviderConfig{"test": cfg})
	require.NoError(t, err)
	return table
}

func makeRecipients(n int) []recipient.Recipient {
	list := make([]recipient.Recipient, n)
	for i := range list {
		list[i] = recipient.Recipient{Email: fmt.Sprintf("user%d@example.com", i), Name: fmt.Sprintf("User %d", i)}
	}
	return list
}

func testMessage() mail.Email {
	return mail.Email{
		From:    mail.Address{Address: "sender@example.com"},
		Subject: "Hello",
		Body:    "Hi there",
	}
}

type snapshots struct {
	list []progress.Snapshot
}

func (s *snapshots) sink() progress.Sink {
	return progress.Func(func(snap progress.Snapshot) { s.list = append(s.list, snap) })
}

func TestSendBulk_OutcomesAndBatches(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		batchSize int
		batches   int
		lastBatch int
	}{
		{"partial last batch", 25, 10, 3, 5},
		{"exact multiple", 20, 10, 2, 10},
		{"single recipient", 1, 10, 1, 1},
		{"batch of one", 3, 1, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport()
			var calls factoryCalls
			var snaps snapshots

			s := NewSender(calls.factory(transport),
				WithProviders(testTable(t, ProviderConfig{BatchSize: tt.batchSize, DelayBetweenBatches: time.Millisecond, ConcurrentSends: 3, MaxRetries: 3})),
				WithProgress(snaps.sink()),
				WithBackoffBase(time.Millisecond),
			)

			recipients := makeRecipients(tt.n)
			sum, err := s.SendBulk(context.Background(), testMessage(), recipients, "test")
			require.NoError(t, err)

			require.Len(t, sum.Outcomes, tt.n)
			for i, o := range sum.Outcomes {
				assert.Equal(t, recipients[i].Email, o.Email)
				assert.True(t, o.Success)
				assert.NotEmpty(t, o.MessageID)
				assert.Equal(t, 1, o.Attempts)
			}

			// Initial snapshot plus one per batch.
			require.Len(t, snaps.list, tt.batches+1)
			assert.Equal(t, progress.Snapshot{RunID: sum.RunID, Total: tt.n}, snaps.list[0])

			prev := 0
			for i, snap := range snaps.list[1:] {
				assert.Equal(t, tt.n, snap.Total)
				assert.Equal(t, snap.Current, snap.Completed)
				assert.Greater(t, snap.Completed, prev, "snapshot %d", i)
				prev = snap.Completed
			}
			last := snaps.list[len(snaps.list)-1]
			prevLast := snaps.list[len(snaps.list)-2]
			assert.Equal(t, tt.lastBatch, last.Completed-prevLast.Completed)

			assert.True(t, sum.Success)
			assert.Equal(t, tt.n, sum.Total)
			assert.Equal(t, "100.0", sum.SuccessRate)
			assert.EqualValues(t, 1, calls.n.Load())
			assert.EqualValues(t, 1, transport.verified.Load())
			assert.EqualValues(t, 1, transport.closed.Load())
		})
	}
}

func TestSendBulk_FailureInjection(t *testing.T) {
	transport := newFakeTransport()
	transport.failFor["bad@x.com"] = true
	transport.failTimes["flaky@x.com"] = 1

	var calls factoryCalls
	var snaps snapshots

	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 4, DelayBetweenBatches: time.Millisecond, ConcurrentSends: 2, MaxRetries: 3})),
		WithProgress(snaps.sink()),
		WithBackoffBase(time.Millisecond),
	)

	recipients := append(makeRecipients(8),
		recipient.Recipient{Email: "bad@x.com"},
		recipient.Recipient{Email: "flaky@x.com"},
	)

	sum, err := s.SendBulk(context.Background(), testMessage(), recipients, "test")
	require.NoError(t, err)

	byEmail := make(map[string]Outcome)
	for _, o := range sum.Outcomes {
		byEmail[o.Email] = o
		assert.GreaterOrEqual(t, o.Attempts, 1)
		assert.LessOrEqual(t, o.Attempts, 3)
	}

	bad := byEmail["bad@x.com"]
	assert.False(t, bad.Success)
	assert.Equal(t, 3, bad.Attempts)
	assert.Contains(t, bad.Error, "550")
	assert.ErrorIs(t, bad.Err, errRejected)
	assert.Equal(t, 3, transport.attemptsFor("bad@x.com"))

	flaky := byEmail["flaky@x.com"]
	assert.True(t, flaky.Success)
	assert.Equal(t, 2, flaky.Attempts)

	for _, r := range recipients[:8] {
		assert.Equal(t, 1, byEmail[r.Email].Attempts)
	}

	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 9, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "90.0", sum.SuccessRate)
	assert.True(t, sum.Success, "per-recipient failures do not fail the run")

	failures := sum.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "bad@x.com", failures[0].Email)

	last := snaps.list[len(snaps.list)-1]
	assert.Equal(t, last.Completed, last.Successful+last.Failed)
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 1, last.Failed)
}

func TestSendBulk_DelayBetweenBatches(t *testing.T) {
	const delay = 100 * time.Millisecond

	transport := newFakeTransport()
	var calls factoryCalls
	var snaps snapshots

	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 2, DelayBetweenBatches: delay, ConcurrentSends: 2, MaxRetries: 1})),
		WithProgress(snaps.sink()),
	)

	start := time.Now()
	sum, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(6), "test")
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Successful)

	// Three batches are separated by two pauses; none follows the last batch.
	assert.GreaterOrEqual(t, elapsed, 2*delay)
	assert.Less(t, elapsed, 3*delay)
	assert.Len(t, snaps.list, 4)
}

func TestSendBulk_BackoffBase(t *testing.T) {
	const base = 20 * time.Millisecond

	transport := newFakeTransport()
	transport.failFor["bad@x.com"] = true

	var calls factoryCalls
	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 1, ConcurrentSends: 1, MaxRetries: 3})),
		WithBackoffBase(base),
	)

	start := time.Now()
	sum, err := s.SendBulk(context.Background(), testMessage(), []recipient.Recipient{{Email: "bad@x.com"}}, "test")
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, 3, sum.Outcomes[0].Attempts)
	// Waits of base<<1 and base<<2 separate the three attempts.
	assert.GreaterOrEqual(t, elapsed, 6*base)
	assert.Less(t, elapsed, time.Second, "default one-second base must not apply")
}

func TestSendBulk_InputValidation(t *testing.T) {
	transport := newFakeTransport()
	var calls factoryCalls
	s := NewSender(calls.factory(transport))

	sum, err := s.SendBulk(context.Background(), testMessage(), nil, "gmail")
	assert.Nil(t, sum)
	assert.ErrorIs(t, err, ErrNoRecipients)

	sum, err = s.SendBulk(context.Background(), testMessage(), makeRecipients(DefaultMaxRecipients+1), "gmail")
	assert.Nil(t, sum)
	require.ErrorIs(t, err, ErrTooManyRecipients)
	assert.Contains(t, err.Error(), "10001")

	assert.EqualValues(t, 0, calls.n.Load(), "no transport may be created")
	assert.EqualValues(t, 0, transport.closed.Load())
}

func TestSendBulk_MaxRecipientsOption(t *testing.T) {
	transport := newFakeTransport()
	var calls factoryCalls
	s := NewSender(calls.factory(transport), WithMaxRecipients(2))

	_, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(3), "gmail")
	assert.ErrorIs(t, err, ErrTooManyRecipients)
}

func TestSendBulk_ConcurrencyBound(t *testing.T) {
	transport := newFakeTransport()
	transport.delay = 5 * time.Millisecond

	var calls factoryCalls
	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 20, ConcurrentSends: 4, MaxRetries: 1})),
	)

	sum, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(40), "test")
	require.NoError(t, err)
	assert.Equal(t, 40, sum.Successful)

	assert.LessOrEqual(t, transport.peak.Load(), int32(4))
	assert.Equal(t, int32(4), transport.peak.Load())
}

func TestSendBulk_VerifyFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.verifyErr = errors.New("535 authentication failed")

	var calls factoryCalls
	var snaps snapshots
	s := NewSender(calls.factory(transport), WithProgress(snaps.sink()))

	sum, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(5), "gmail")
	assert.Nil(t, sum)
	require.ErrorIs(t, err, ErrTransportSetup)
	assert.Contains(t, err.Error(), "535 authentication failed")

	assert.Empty(t, transport.sent)
	assert.Empty(t, snaps.list)
	assert.EqualValues(t, 1, transport.closed.Load(), "transport must be released")
}

func TestSendBulk_FactoryFailure(t *testing.T) {
	s := NewSender(func(context.Context, string) (mail.Sender, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	_, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(1), "gmail")
	require.ErrorIs(t, err, ErrTransportSetup)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = NewSender(nil).SendBulk(context.Background(), testMessage(), makeRecipients(1), "gmail")
	assert.ErrorIs(t, err, ErrTransportSetup)
}

func TestSendBulk_CancelStopsAtBatchBoundary(t *testing.T) {
	transport := newFakeTransport()
	var calls factoryCalls

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snaps []progress.Snapshot
	sink := progress.Func(func(s progress.Snapshot) {
		snaps = append(snaps, s)
		if s.Completed == 2 {
			cancel()
		}
	})

	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 2, DelayBetweenBatches: time.Hour, ConcurrentSends: 2, MaxRetries: 3})),
		WithProgress(sink),
	)

	done := make(chan struct{})
	var (
		sum *Summary
		err error
	)
	go func() {
		defer close(done)
		sum, err = s.SendBulk(ctx, testMessage(), makeRecipients(6), "test")
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.False(t, sum.Success)
	assert.Len(t, sum.Outcomes, 2)
	assert.Equal(t, 2, sum.Completed())
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, "33.3", sum.SuccessRate)
	assert.Len(t, snaps, 2)
	assert.EqualValues(t, 1, transport.closed.Load())
}

func TestSendBulk_UnknownProviderUsesDefault(t *testing.T) {
	transport := newFakeTransport()
	var calls factoryCalls
	var snaps snapshots

	s := NewSender(calls.factory(transport),
		WithProviders(testTable(t, ProviderConfig{BatchSize: 5, ConcurrentSends: 1, MaxRetries: 1})),
		WithProgress(snaps.sink()),
	)

	sum, err := s.SendBulk(context.Background(), testMessage(), makeRecipients(10), "Corporate")
	require.NoError(t, err)

	assert.Equal(t, "corporate", sum.Provider)
	assert.Equal(t, []string{"corporate"}, calls.providers)
	assert.Len(t, snaps.list, 3, "default batch size of 5 gives two batches")
}

func TestSendBulk_PersonalizesCopy(t *testing.T) {
	transport := newFakeTransport()
	var calls factoryCalls
	s := NewSender(calls.factory(transport), WithProviders(testTable(t, ProviderConfig{BatchSize: 10, ConcurrentSends: 1, MaxRetries: 1})))

	msg := testMessage()
	msg.To = []mail.Address{{Address: "shared@example.com"}}
	msg.Bcc = []mail.Address{{Address: "audit@example.com"}}

	_, err := s.SendBulk(context.Background(), msg, []recipient.Recipient{
		{Email: " ann@example.com ", Name: "Ann", Company: "Acme"},
	}, "test")
	require.NoError(t, err)

	require.Len(t, transport.sent, 1)
	sent := transport.sent[0]
	assert.Equal(t, []mail.Address{{Name: "Ann", Address: "ann@example.com"}}, sent.To)
	assert.Empty(t, sent.Bcc)
	assert.Equal(t, "Hello", sent.Subject)

	assert.Equal(t, "shared@example.com", msg.To[0].Address, "shared message must not change")
}

func TestSendOne(t *testing.T) {
	transport := newFakeTransport()
	transport.failFor["bad@x.com"] = true
	var calls factoryCalls
	s := NewSender(calls.factory(transport))

	o, err := s.SendOne(context.Background(), testMessage(), recipient.Recipient{Email: "ok@x.com"}, "")
	require.NoError(t, err)
	assert.True(t, o.Success)
	assert.Equal(t, 1, o.Attempts)
	assert.NotEmpty(t, o.MessageID)
	assert.Equal(t, []string{DefaultProvider}, calls.providers)

	o, err = s.SendOne(context.Background(), testMessage(), recipient.Recipient{Email: "bad@x.com"}, "gmail")
	require.NoError(t, err)
	assert.False(t, o.Success)
	assert.Equal(t, 1, transport.attemptsFor("bad@x.com"), "no retries for a single send")
	assert.Contains(t, o.Error, "550")

	_, err = s.SendOne(context.Background(), testMessage(), recipient.Recipient{}, "gmail")
	assert.ErrorIs(t, err, ErrNoRecipients)

	assert.EqualValues(t, 0, transport.verified.Load())
	assert.EqualValues(t, 2, transport.closed.Load())
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "70.0", FormatRate(7, 10))
	assert.Equal(t, "66.7", FormatRate(2, 3))
	assert.Equal(t, "100.0", FormatRate(4, 4))
	assert.Equal(t, "0.0", FormatRate(0, 5))
	assert.Equal(t, "0.0", FormatRate(0, 0))
}

func TestSetupError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&setupError{cause: cause})

	assert.ErrorIs(t, err, ErrTransportSetup)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "mail transport setup failed: boom", err.Error())
}

package llm

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{401, false},
		{403, false},
		{404, false},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{503, true},
		{599, true},
	}
	for _, tc := range cases {
		err := FromHTTPStatus("anthropic", tc.status, "boom", nil)
		require.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
	}
}

func TestErrorMessageRefinement(t *testing.T) {
	err := FromHTTPStatus("openai", 400, "request exceeds context length", nil)
	var cle *ContextLengthError
	require.ErrorAs(t, err, &cle)

	err = FromHTTPStatus("openai", 400, "monthly quota exhausted", nil)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.True(t, IsKeyRotationError(err))
}

func TestKeyPoolRoundRobin(t *testing.T) {
	p, err := NewKeyPool("key-a", "key-b")
	require.NoError(t, err)
	require.Equal(t, 2, p.Size())

	require.Equal(t, "key-a", p.Acquire())
	require.Equal(t, "key-b", p.Acquire())
	require.Equal(t, "key-a", p.Acquire())
}

func TestKeyPoolBenchesOnAuthError(t *testing.T) {
	p, err := NewKeyPool("key-a", "key-b")
	require.NoError(t, err)
	p.SetCooldown(time.Hour)

	authErr := FromHTTPStatus("anthropic", 401, "invalid key", nil)
	p.ReportFailure("key-a", authErr)

	// key-a is benched; both acquisitions land on key-b.
	require.Equal(t, "key-b", p.Acquire())
	require.Equal(t, "key-b", p.Acquire())
}

func TestKeyPoolIgnoresTransientErrors(t *testing.T) {
	p, err := NewKeyPool("key-a", "key-b")
	require.NoError(t, err)
	p.SetCooldown(time.Hour)

	p.ReportFailure("key-a", FromHTTPStatus("anthropic", 500, "server error", nil))
	require.Equal(t, "key-a", p.Acquire())
}

func TestRetryAfterParsing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := ParseRetryAfter("7", now)
	require.NotNil(t, d)
	require.Equal(t, 7*time.Second, *d)
	require.Nil(t, ParseRetryAfter("", now))
	require.Nil(t, ParseRetryAfter("soon", now))
}

func TestDelayForAttemptCapped(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}
	require.Equal(t, time.Second, p.DelayForAttempt(1, "s"))
	require.Equal(t, 2*time.Second, p.DelayForAttempt(2, "s"))
	require.Equal(t, 30*time.Second, p.DelayForAttempt(10, "s"))
}

type fakeStream struct{ chunks []Chunk }

func (f *fakeStream) Recv() (Chunk, error) {
	if len(f.chunks) == 0 {
		return Chunk{}, io.EOF
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c, nil
}
func (f *fakeStream) Close() error { return nil }

type fakeAdapter struct {
	name  string
	calls int
	fail  int
	err   error
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) StreamTurn(_ context.Context, _ Request) (Stream, error) {
	a.calls++
	if a.calls <= a.fail {
		return nil, a.err
	}
	return &fakeStream{chunks: []Chunk{{Kind: ChunkStop, StopReason: "end_turn"}}}, nil
}

func TestClientRoutesByModelPrefix(t *testing.T) {
	anth := &fakeAdapter{name: "anthropic"}
	oai := &fakeAdapter{name: "openai"}
	c := NewClient()
	c.Register(anth)
	c.Register(oai)

	_, err := c.StreamTurn(context.Background(), Request{Model: "claude-sonnet-4-5", Messages: []Message{User("hi")}})
	require.NoError(t, err)
	require.Equal(t, 1, anth.calls)
	require.Equal(t, 0, oai.calls)

	_, err = c.StreamTurn(context.Background(), Request{Model: "gpt-4o", Messages: []Message{User("hi")}})
	require.NoError(t, err)
	require.Equal(t, 1, oai.calls)
}

func TestClientRetriesRetryableDialErrors(t *testing.T) {
	a := &fakeAdapter{
		name: "anthropic",
		fail: 2,
		err:  FromHTTPStatus("anthropic", 503, "overloaded", nil),
	}
	c := NewClient()
	c.Register(a)
	c.SetRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		func(context.Context, time.Duration) error { return nil })

	_, err := c.StreamTurn(context.Background(), Request{Model: "claude-x", Messages: []Message{User("hi")}})
	require.NoError(t, err)
	require.Equal(t, 3, a.calls)
}

func TestClientRetriesWrappedErrorsAndHonorsRetryAfter(t *testing.T) {
	ra := 250 * time.Millisecond
	a := &fakeAdapter{
		name: "anthropic",
		fail: 1,
		err:  fmt.Errorf("dial: %w", FromHTTPStatus("anthropic", 429, "slow down", &ra)),
	}
	c := NewClient()
	c.Register(a)
	var slept []time.Duration
	c.SetRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2},
		func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})

	_, err := c.StreamTurn(context.Background(), Request{Model: "claude-x", Messages: []Message{User("hi")}})
	require.NoError(t, err)
	require.Equal(t, 2, a.calls)
	require.Equal(t, []time.Duration{ra}, slept, "the Retry-After hint wins over the backoff delay")
}

func TestClientDoesNotRetryAuthErrors(t *testing.T) {
	a := &fakeAdapter{
		name: "anthropic",
		fail: 5,
		err:  FromHTTPStatus("anthropic", 401, "bad key", nil),
	}
	c := NewClient()
	c.Register(a)
	c.SetRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		func(context.Context, time.Duration) error { return nil })

	_, err := c.StreamTurn(context.Background(), Request{Model: "claude-x", Messages: []Message{User("hi")}})
	require.Error(t, err)
	require.Equal(t, 1, a.calls)
}

func TestModelForFallsBackToBuilder(t *testing.T) {
	c := NewClient()
	c.SetModel(RoleBuilder, "claude-sonnet-4-5")
	require.Equal(t, "claude-sonnet-4-5", c.ModelFor(RoleAuditor))
	c.SetModel(RoleAuditor, "claude-haiku-4-5")
	require.Equal(t, "claude-haiku-4-5", c.ModelFor(RoleAuditor))
}

package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPair(tokenLimit, requestLimit int, clk *fakeClock) *Pair {
	tokens := New("pair_tokens", "tok_", tokenLimit, WithClock(clk.Now))
	requests := New("pair_requests", "req_", requestLimit, WithClock(clk.Now))
	return NewPair(tokens, requests)
}

func TestPairLock_ConsumesBoth(t *testing.T) {
	p := newTestPair(1000, 10, newFakeClock())

	res, err := p.Lock("app", 300)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	tokHandle, reqHandle := SplitHandle(res.Handle)
	assert.NotEmpty(t, tokHandle)
	assert.NotEmpty(t, reqHandle)

	st := p.Status()
	assert.Equal(t, 300, st.Tokens.Held)
	assert.Equal(t, 1, st.Requests.Held)
}

// Scenario: tokens limit 100, requests limit 1. A takes the only slot;
// B is denied on the request pool and A's token hold stays exactly 50.
func TestPairLock_RequestDenialCompensatesTokens(t *testing.T) {
	p := newTestPair(100, 1, newFakeClock())

	resA, err := p.Lock("app-a", 50)
	require.NoError(t, err)
	require.True(t, resA.Allowed)

	resB, err := p.Lock("app-b", 10)
	require.NoError(t, err)
	require.False(t, resB.Allowed)
	assert.Equal(t, DeniedRequests, resB.Denied)
	assert.Greater(t, resB.SecondsUntilReset, 0)
	assert.LessOrEqual(t, resB.SecondsUntilReset, 60)

	st := p.Status()
	assert.Equal(t, 50, st.Tokens.Held, "B's compensated lock must not touch A's hold")
	assert.Equal(t, 1, st.Requests.Held)
	assert.Equal(t, 1, p.Tokens().Outstanding(), "only A's reservation is live")
	assert.Equal(t, 1, p.Requests().Outstanding())
}

func TestPairLock_TokenDenialLeavesRequestsUntouched(t *testing.T) {
	p := newTestPair(100, 10, newFakeClock())

	res, err := p.Lock("app", 101)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, DeniedTokens, res.Denied)

	st := p.Status()
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 0, st.Requests.Held)
}

func TestPairLock_NegativeAmount(t *testing.T) {
	p := newTestPair(100, 10, newFakeClock())

	_, err := p.Lock("app", -5)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	st := p.Status()
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 0, st.Requests.Held)
}

func TestPairReport_SettlesTokensAndOneRequest(t *testing.T) {
	p := newTestPair(1000, 10, newFakeClock())

	res, err := p.Lock("app", 200)
	require.NoError(t, err)
	p.Report(res.Handle, 250)

	st := p.Status()
	assert.Equal(t, 250, st.Tokens.Committed)
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 1, st.Requests.Committed)
	assert.Equal(t, 0, st.Requests.Held)
}

func TestPairRelease_ReturnsBothHalves(t *testing.T) {
	p := newTestPair(1000, 10, newFakeClock())

	res, err := p.Lock("app", 200)
	require.NoError(t, err)
	p.Release(res.Handle)

	st := p.Status()
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 0, st.Requests.Held)
	assert.Equal(t, 0, p.Tokens().Outstanding())
	assert.Equal(t, 0, p.Requests().Outstanding())
}

func TestPairReleaseAndReport_MissingHalvesAreBenign(t *testing.T) {
	p := newTestPair(1000, 10, newFakeClock())

	res, err := p.Lock("app", 100)
	require.NoError(t, err)
	tokHandle, _ := SplitHandle(res.Handle)

	// Bare token handle: the request half is simply absent.
	p.Release(tokHandle)
	st := p.Status()
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 1, st.Requests.Held, "bare handle cannot name the request half")

	// Stale compound handles are no-op successes.
	p.Report(res.Handle, 100)
	p.Release(res.Handle)
}

func TestPairStatus_EffectiveResetIsMinimum(t *testing.T) {
	clk := newFakeClock()
	p := newTestPair(1000, 10, clk)

	st := p.Status()
	want := st.Tokens.SecondsUntilReset
	if st.Requests.SecondsUntilReset < want {
		want = st.Requests.SecondsUntilReset
	}
	assert.Equal(t, want, st.SecondsUntilReset)
}

func TestPairWindowRoll_BothBudgetsReset(t *testing.T) {
	clk := newFakeClock()
	p := newTestPair(1000, 10, clk)

	res, err := p.Lock("app", 400)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clk.Advance(61 * time.Second)

	st := p.Status()
	assert.Equal(t, 0, st.Tokens.Held)
	assert.Equal(t, 0, st.Requests.Held)

	// A report against the reclaimed handle changes nothing.
	p.Report(res.Handle, 400)
	st = p.Status()
	assert.Equal(t, 0, st.Tokens.Committed)
	assert.Equal(t, 0, st.Requests.Committed)
}

func TestSplitJoinHandle(t *testing.T) {
	tok, req := SplitHandle("tok_abc:req_def")
	assert.Equal(t, "tok_abc", tok)
	assert.Equal(t, "req_def", req)

	tok, req = SplitHandle("tok_only")
	assert.Equal(t, "tok_only", tok)
	assert.Equal(t, "", req)

	assert.Equal(t, "a:b", JoinHandle("a", "b"))
}

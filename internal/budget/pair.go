package budget

import "strings"

// Denial kinds for paired locks, so clients can tell which pool ran dry.
const (
	DeniedTokens   = "tokens"
	DeniedRequests = "requests"
)

// PairResult is the outcome of a paired Lock attempt.
type PairResult struct {
	Allowed           bool
	Handle            string // compound "tokens_handle:requests_handle"
	Denied            string // DeniedTokens or DeniedRequests when !Allowed
	SecondsUntilReset int
	Reason            string
}

// PairSnapshot is a paired status view. SecondsUntilReset is the minimum
// of the two sub-budget resets: the earliest moment capacity returns.
type PairSnapshot struct {
	Tokens            Snapshot
	Requests          Snapshot
	SecondsUntilReset int
}

// Pair composes a token budget with a request budget as an atomic unit.
// A lock consumes one request slot and the requested tokens,
// all-or-nothing; the client sees a single compound handle.
type Pair struct {
	tokens   *Budget
	requests *Budget
}

// NewPair creates a paired budget. The token budget is always acquired
// before the request budget, and the compensating release on a partial
// denial runs before the denial is returned.
func NewPair(tokens, requests *Budget) *Pair {
	return &Pair{tokens: tokens, requests: requests}
}

// Tokens returns the token sub-budget.
func (p *Pair) Tokens() *Budget { return p.tokens }

// Requests returns the request sub-budget.
func (p *Pair) Requests() *Budget { return p.requests }

// SplitHandle splits a compound handle into its token and request
// halves. A handle with no separator is treated as a bare token handle;
// a missing half is benign at both ends of the wire.
func SplitHandle(handle string) (tokenHandle, requestHandle string) {
	if i := strings.IndexByte(handle, ':'); i >= 0 {
		return handle[:i], handle[i+1:]
	}
	return handle, ""
}

// JoinHandle builds the compound client-facing handle.
func JoinHandle(tokenHandle, requestHandle string) string {
	return tokenHandle + ":" + requestHandle
}

// Lock reserves amount tokens and one request slot. Token budget first;
// if the request budget then denies, the token reservation is released
// before the combined denial is returned, so a denied lock never leaves
// either sub-budget's held incremented.
func (p *Pair) Lock(clientID string, amount int) (PairResult, error) {
	tok, err := p.tokens.Lock(clientID, amount)
	if err != nil {
		return PairResult{}, err
	}
	if !tok.Allowed {
		return PairResult{
			Allowed:           false,
			Denied:            DeniedTokens,
			SecondsUntilReset: tok.SecondsUntilReset,
			Reason:            "Token " + tok.Reason,
		}, nil
	}

	req, err := p.requests.Lock(clientID, 1)
	if err != nil {
		p.tokens.Release(tok.Handle)
		return PairResult{}, err
	}
	if !req.Allowed {
		p.tokens.Release(tok.Handle)
		return PairResult{
			Allowed:           false,
			Denied:            DeniedRequests,
			SecondsUntilReset: req.SecondsUntilReset,
			Reason:            "API Rate " + req.Reason,
		}, nil
	}

	return PairResult{
		Allowed: true,
		Handle:  JoinHandle(tok.Handle, req.Handle),
	}, nil
}

// Report settles the token half with the amount actually used and
// commits exactly one request slot. Stale or missing halves are no-op
// successes: the window that held them has already reclaimed them.
func (p *Pair) Report(handle string, usedTokens int) {
	tokenHandle, requestHandle := SplitHandle(handle)
	if tokenHandle != "" {
		p.tokens.Report(tokenHandle, usedTokens)
	}
	if requestHandle != "" {
		p.requests.Report(requestHandle, 1)
	}
}

// Release drops both halves of the reservation. Both-or-neither: a
// missing half never stops the other from being returned to the pool.
func (p *Pair) Release(handle string) {
	tokenHandle, requestHandle := SplitHandle(handle)
	if tokenHandle != "" {
		p.tokens.Release(tokenHandle)
	}
	if requestHandle != "" {
		p.requests.Release(requestHandle)
	}
}

// Status returns both snapshots. The effective reset is the earlier of
// the two windows.
func (p *Pair) Status() PairSnapshot {
	ts := p.tokens.Status()
	rs := p.requests.Status()
	reset := ts.SecondsUntilReset
	if rs.SecondsUntilReset < reset {
		reset = rs.SecondsUntilReset
	}
	return PairSnapshot{Tokens: ts, Requests: rs, SecondsUntilReset: reset}
}

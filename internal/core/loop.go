package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"MarginLedger/internal/collateral"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// QueryKind selects a read served on the core goroutine.
type QueryKind int

const (
	QueryAccountRisk QueryKind = iota + 1
	QueryPoolStatus
)

func (k QueryKind) String() string {
	switch k {
	case QueryAccountRisk:
		return "account_risk"
	case QueryPoolStatus:
		return "pool_status"
	default:
		return "unknown"
	}
}

// Query reads live state. Now is the time interest is previewed at; the
// preview is never committed. Ticks overrides the reference ticks.
type Query struct {
	Kind    QueryKind
	Account uuid.UUID
	Market  string
	Token   uint8
	Now     int64
	Ticks   []int32
}

// Request is one unit of work for the core loop: an event, a query or a
// snapshot capture.
type Request struct {
	Event    event.Event
	Query    *Query
	Snapshot bool
	Reply    chan<- Response
}

// Response answers a Request. Sequence is zero for duplicates and queries.
type Response struct {
	Sequence int64
	Applied  bool
	Result   interface{}
	Err      error
}

// TickRisk is an account's position at one reference tick.
type TickRisk struct {
	Tick     int32       `json:"tick"`
	Balance  [2]*big.Int `json:"balance"`
	Required [2]*big.Int `json:"required"`
	Solvent  bool        `json:"solvent"`
}

// AccountRisk is the collateral view of one account in one market.
type AccountRisk struct {
	Account      uuid.UUID   `json:"account"`
	Market       string      `json:"market"`
	Shares       [2]*big.Int `json:"shares"`
	Balance      [2]*big.Int `json:"balance"`
	InterestOwed [2]*big.Int `json:"interest_owed"`
	LongPremium  [2]*big.Int `json:"long_premium"`
	ShortPremium [2]*big.Int `json:"short_premium"`
	Positions    int         `json:"positions"`
	SafeMode     bool        `json:"safe_mode"`
	Ticks        []TickRisk  `json:"ticks"`
	Solvent      bool        `json:"solvent"`
}

// PoolStatus is one pool's interest and share state, accrued to Now.
type PoolStatus struct {
	Pool               string   `json:"pool"`
	BorrowIndex        *big.Int `json:"borrow_index"`
	Epoch              uint64   `json:"epoch"`
	RateAtTarget       uint64   `json:"rate_at_target"`
	UnrealizedInterest *big.Int `json:"unrealized_interest"`
	DepositedAssets    *big.Int `json:"deposited_assets"`
	AssetsInAMM        *big.Int `json:"assets_in_amm"`
	TotalAssets        *big.Int `json:"total_assets"`
	TotalShares        *big.Int `json:"total_shares"`
	Utilization        int64    `json:"utilization_ppm"`
	PendingInterest    *big.Int `json:"pending_interest"`
}

// Run serves requests until ctx ends or requests is closed. It is the only
// goroutine that touches core state.
func (c *DeterministicCore) Run(ctx context.Context, requests <-chan Request) error {
	c.logger.Info().Int64("next_sequence", c.sequence).Msg("core loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Int64("next_sequence", c.sequence).Msg("core loop stopped")
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			resp := c.serve(req)
			if req.Reply != nil {
				req.Reply <- resp
			}
		}
	}
}

func (c *DeterministicCore) serve(req Request) Response {
	switch {
	case req.Event != nil:
		before := c.sequence
		if err := c.ProcessEvent(req.Event); err != nil {
			return Response{Err: err}
		}
		if c.sequence > before {
			return Response{Sequence: before, Applied: true}
		}
		return Response{}
	case req.Query != nil:
		result, err := c.Query(*req.Query)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.CoreQueries.WithLabelValues(req.Query.Kind.String(), status).Inc()
		return Response{Result: result, Err: err}
	case req.Snapshot:
		return Response{Sequence: c.sequence - 1, Result: c.CreateSnapshotState()}
	default:
		return Response{Err: errors.New("empty request")}
	}
}

// Query answers a read against a throwaway transaction.
func (c *DeterministicCore) Query(q Query) (interface{}, error) {
	txn := c.store.Begin()
	defer txn.Discard()
	ec := &eventContext{txn: txn, jg: ledger.NewJournalGenerator("query", 0, q.Now), now: q.Now}

	switch q.Kind {
	case QueryAccountRisk:
		return c.accountRisk(ec, q)
	case QueryPoolStatus:
		return c.poolStatus(ec, q)
	default:
		return nil, fmt.Errorf("unknown query kind %d", q.Kind)
	}
}

func (c *DeterministicCore) accountRisk(ec *eventContext, q Query) (*AccountRisk, error) {
	p, err := c.prepareMarket(ec, q.Market)
	if err != nil {
		return nil, err
	}
	txn := ec.txn
	positions := txn.Book(state.BookKey{Account: q.Account, MarketID: q.Market}).Positions()
	acct, _, err := buildAccount(txn, q.Account, q.Market, positions)
	if err != nil {
		return nil, err
	}
	out := &AccountRisk{
		Account:      q.Account,
		Market:       q.Market,
		Balance:      acct.Balance,
		InterestOwed: acct.InterestOwed,
		LongPremium:  acct.LongPremium,
		ShortPremium: acct.ShortPremium,
		Positions:    len(positions),
		Solvent:      true,
	}
	for t := 0; t < 2; t++ {
		out.Shares[t] = txn.Shares(state.AccountKey{Account: q.Account, Pool: state.PoolKey{MarketID: q.Market, Token: uint8(t)}})
	}

	ticks := q.Ticks
	o := txn.Oracle(q.Market)
	if o != nil {
		out.SafeMode = collateral.SafeMode(o, p)
		if len(ticks) == 0 {
			ticks = collateral.ReferenceTicks(o, p)
		}
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("no oracle observation for %s and no ticks given", q.Market)
	}
	for _, tick := range ticks {
		ev, err := collateral.Evaluate(acct, tick, out.SafeMode, p)
		if err != nil {
			return nil, err
		}
		out.Ticks = append(out.Ticks, TickRisk{Tick: tick, Balance: ev.Balance, Required: ev.Required, Solvent: ev.Solvent})
		out.Solvent = out.Solvent && ev.Solvent
	}
	return out, nil
}

func (c *DeterministicCore) poolStatus(ec *eventContext, q Query) (*PoolStatus, error) {
	p, ok := ec.txn.Params(q.Market)
	if !ok {
		return nil, fmt.Errorf("unknown market: %s", q.Market)
	}
	pool := state.PoolKey{MarketID: q.Market, Token: q.Token}
	if err := c.accruePool(ec, pool, p); err != nil {
		return nil, err
	}
	ms := ec.txn.MarketState(pool)
	v := ec.txn.Vault(pool)
	pending := new(big.Int)
	for _, a := range ec.accruals {
		pending.Add(pending, a.Interest)
	}
	return &PoolStatus{
		Pool:               pool.String(),
		BorrowIndex:        ms.BorrowIndex(),
		Epoch:              ms.Epoch(),
		RateAtTarget:       ms.RateAtTarget(),
		UnrealizedInterest: ms.UnrealizedInterest(),
		DepositedAssets:    new(big.Int).Set(v.DepositedAssets),
		AssetsInAMM:        new(big.Int).Set(v.AssetsInAMM),
		TotalAssets:        new(big.Int).Set(v.TotalAssets),
		TotalShares:        fpmath.U256(v.TotalShares),
		Utilization:        v.Utilization(),
		PendingInterest:    pending,
	}, nil
}

// Client submits work to a running core loop.
type Client struct {
	requests chan<- Request
}

func NewClient(requests chan<- Request) *Client {
	return &Client{requests: requests}
}

func (cl *Client) do(ctx context.Context, req Request) (Response, error) {
	reply := make(chan Response, 1)
	req.Reply = reply
	select {
	case cl.requests <- req:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Submit applies an event and returns the sequence it was assigned, or zero
// for a duplicate.
func (cl *Client) Submit(ctx context.Context, evt event.Event) (int64, error) {
	resp, err := cl.do(ctx, Request{Event: evt})
	return resp.Sequence, err
}

func (cl *Client) AccountRisk(ctx context.Context, account uuid.UUID, market string, now int64, ticks []int32) (*AccountRisk, error) {
	resp, err := cl.do(ctx, Request{Query: &Query{Kind: QueryAccountRisk, Account: account, Market: market, Now: now, Ticks: ticks}})
	if err != nil {
		return nil, err
	}
	return resp.Result.(*AccountRisk), nil
}

func (cl *Client) PoolStatus(ctx context.Context, market string, token uint8, now int64) (*PoolStatus, error) {
	resp, err := cl.do(ctx, Request{Query: &Query{Kind: QueryPoolStatus, Market: market, Token: token, Now: now}})
	if err != nil {
		return nil, err
	}
	return resp.Result.(*PoolStatus), nil
}

// Snapshot captures the core's state between two events.
func (cl *Client) Snapshot(ctx context.Context) (*SnapshotState, error) {
	resp, err := cl.do(ctx, Request{Snapshot: true})
	if err != nil {
		return nil, err
	}
	return resp.Result.(*SnapshotState), nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
	"github.com/alanyoungcy/blpsettle/internal/pool"
)

// DepositReceipt is the outcome of a deposit.
type DepositReceipt struct {
	Quote pool.DepositResult   `json:"quote"`
	Pool  domain.LiquidityPool `json:"pool"`
}

// WithdrawRequest asks to redeem LPAmount shares. A zero Destination pays
// the owner.
type WithdrawRequest struct {
	Owner        common.Hash `json:"owner"`
	Destination  common.Hash `json:"destination"`
	LPAmount     uint64      `json:"lp_amount"`
	MinTokensOut uint64      `json:"min_tokens_out"`
}

// WithdrawReceipt is the outcome of a withdrawal: either paid immediately
// or placed in the queue.
type WithdrawReceipt struct {
	Paid   *pool.WithdrawalResult  `json:"paid,omitempty"`
	Queued *domain.WithdrawRequest `json:"queued,omitempty"`
	Pool   domain.LiquidityPool    `json:"pool"`
}

// QueueStep is one processing step of the request at the queue tail.
type QueueStep struct {
	Request domain.WithdrawRequest `json:"request"`
	Paid    pool.WithdrawalResult  `json:"paid"`
}

// PoolService runs deposits, redemptions and the withdrawal queue of the
// BLP pool. Every operation holds the pool lock.
type PoolService struct {
	deps   Deps
	logger *slog.Logger

	// lastStalled is the request a stall alert was last sent for.
	lastStalled atomic.Uint64
}

// NewPoolService creates a PoolService.
func NewPoolService(deps Deps) *PoolService {
	return &PoolService{deps: deps, logger: deps.Logger}
}

// EnsurePool creates the pool record with the given fees if it does not
// exist yet. An existing record is returned unchanged.
func (s *PoolService) EnsurePool(ctx context.Context, depositFeeBps, withdrawalFeeBps uint64) (domain.LiquidityPool, error) {
	if depositFeeBps >= fixedpoint.BPSDivisor || withdrawalFeeBps > fixedpoint.BPSDivisor {
		return domain.LiquidityPool{}, fmt.Errorf("pool_service: ensure pool: %w: fees %d/%d bps",
			domain.ErrFeeExceedsMaximum, depositFeeBps, withdrawalFeeBps)
	}
	unlock, err := s.deps.lock(ctx, domain.PoolLockKey)
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("pool_service: ensure pool: %w", err)
	}
	defer unlock()

	p, err := s.deps.Store.Pool().Get(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.LiquidityPool{}, fmt.Errorf("pool_service: ensure pool: %w", err)
	}
	p = domain.LiquidityPool{
		DepositFeeBps:    depositFeeBps,
		WithdrawalFeeBps: withdrawalFeeBps,
		UpdatedAt:        s.deps.now(),
	}
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "pool_created", map[string]any{
			"deposit_fee_bps":    depositFeeBps,
			"withdrawal_fee_bps": withdrawalFeeBps,
		})
	})
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("pool_service: ensure pool: %w", err)
	}
	s.logger.InfoContext(ctx, "pool_service: pool created",
		slog.Uint64("deposit_fee_bps", depositFeeBps),
		slog.Uint64("withdrawal_fee_bps", withdrawalFeeBps),
	)
	return p, nil
}

// Get returns the pool record.
func (s *PoolService) Get(ctx context.Context) (domain.LiquidityPool, error) {
	p, err := s.deps.Store.Pool().Get(ctx)
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("pool_service: get: %w", err)
	}
	return p, nil
}

// Deposit adds amount of collateral for owner and mints shares at the
// current NAV. The fee goes to the treasury.
func (s *PoolService) Deposit(ctx context.Context, owner common.Hash, amount, minSharesOut uint64) (DepositReceipt, error) {
	unlock, err := s.deps.lock(ctx, domain.PoolLockKey)
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: %w", err)
	}
	defer unlock()

	p, err := s.deps.Store.Pool().Get(ctx)
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: %w", err)
	}
	q, err := pool.ProcessDeposit(p, amount, minSharesOut)
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: %w", err)
	}

	user := domain.UserAccount(owner)
	bal, err := s.deps.Ledger.Balance(ctx, domain.AssetCollateral, user)
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: balance: %w", err)
	}
	if bal < amount {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: %w: have %d, need %d", domain.ErrInsufficientBalance, bal, amount)
	}

	netMoved, err := s.deps.transfer(ctx, domain.AssetCollateral, user, domain.PoolAccount(), q.NetDeposit)
	if err != nil {
		s.deps.opError("deposit")
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: transfer: %w", err)
	}
	feeMoved, err := s.deps.transfer(ctx, domain.AssetCollateral, user, domain.TreasuryAccount(), q.Fee)
	if err != nil {
		s.deps.opError("deposit")
		s.failed(ctx, "deposit_failed", owner, map[string]any{"net_moved": netMoved, "error": err.Error()})
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: fee transfer: %w", err)
	}
	minted, err := s.deps.Ledger.Mint(ctx, domain.AssetBLP, user, q.SharesToMint)
	if err != nil {
		s.deps.opError("deposit")
		s.failed(ctx, "deposit_failed", owner, map[string]any{"net_moved": netMoved, "fee_moved": feeMoved, "error": err.Error()})
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: mint: %w", err)
	}

	if err := p.ApplyDeposit(netMoved, minted, feeMoved); err != nil {
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: %w", err)
	}
	p.UpdatedAt = s.deps.now()
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "pool_deposit", map[string]any{
			"owner":  owner.Hex(),
			"amount": amount,
			"net":    netMoved,
			"fee":    feeMoved,
			"shares": minted,
		})
	})
	if err != nil {
		s.deps.opError("deposit")
		return DepositReceipt{}, fmt.Errorf("pool_service: deposit: commit: %w", err)
	}

	q.NetDeposit, q.Fee, q.SharesToMint = netMoved, feeMoved, minted
	s.deps.poolOp("deposit", p)
	s.deps.publish(ctx, domain.ChannelPool, "deposit", map[string]any{"owner": owner, "quote": q})
	s.logger.InfoContext(ctx, "pool_service: deposit",
		slog.String("owner", owner.Hex()),
		slog.Uint64("amount", amount),
		slog.Uint64("shares", minted),
	)
	return DepositReceipt{Quote: q, Pool: p}, nil
}

// Withdraw redeems shares immediately when the pool holds enough cash and
// the queue is empty. Otherwise the shares move to LP escrow and a request
// joins the queue; MinTokensOut only binds immediate redemptions.
func (s *PoolService) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawReceipt, error) {
	if req.Destination == (common.Hash{}) {
		req.Destination = req.Owner
	}
	unlock, err := s.deps.lock(ctx, domain.PoolLockKey)
	if err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}
	defer unlock()

	p, err := s.deps.Store.Pool().Get(ctx)
	if err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}
	user := domain.UserAccount(req.Owner)
	lpBal, err := s.deps.Ledger.Balance(ctx, domain.AssetBLP, user)
	if err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: balance: %w", err)
	}
	if lpBal < req.LPAmount {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w: have %d shares, need %d", domain.ErrInsufficientBalance, lpBal, req.LPAmount)
	}
	available, err := s.available(ctx, p)
	if err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}
	if p.QueueDepth() > 0 {
		available = 0
	}
	q, err := pool.ProcessWithdrawal(p, req.LPAmount, req.MinTokensOut, available)
	switch {
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return s.enqueue(ctx, p, req)
	case err != nil:
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}

	burned, err := s.deps.Ledger.Burn(ctx, domain.AssetBLP, user, q.LPAmount)
	if err != nil {
		s.deps.opError("withdraw")
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: burn: %w", err)
	}
	net, fee, err := s.payOut(ctx, req.Destination, q)
	if err != nil {
		s.deps.opError("withdraw")
		s.failed(ctx, "withdraw_failed", req.Owner, map[string]any{"burned": burned, "net_paid": net, "error": err.Error()})
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}
	if err := p.ApplyWithdrawal(burned, net+fee, fee); err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: %w", err)
	}
	p.UpdatedAt = s.deps.now()
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "pool_withdraw", map[string]any{
			"owner":       req.Owner.Hex(),
			"destination": req.Destination.Hex(),
			"lp_burned":   burned,
			"net":         net,
			"fee":         fee,
		})
	})
	if err != nil {
		s.deps.opError("withdraw")
		return WithdrawReceipt{}, fmt.Errorf("pool_service: withdraw: commit: %w", err)
	}

	q.LPAmount, q.Net, q.Fee, q.Gross = burned, net, fee, net+fee
	s.deps.poolOp("withdraw", p)
	s.deps.publish(ctx, domain.ChannelPool, "withdraw", map[string]any{"owner": req.Owner, "paid": q})
	s.logger.InfoContext(ctx, "pool_service: withdraw",
		slog.String("owner", req.Owner.Hex()),
		slog.Uint64("lp_burned", burned),
		slog.Uint64("net", net),
	)
	return WithdrawReceipt{Paid: &q, Pool: p}, nil
}

func (s *PoolService) enqueue(ctx context.Context, p domain.LiquidityPool, req WithdrawRequest) (WithdrawReceipt, error) {
	moved, err := s.deps.transfer(ctx, domain.AssetBLP, domain.UserAccount(req.Owner), domain.LPEscrowAccount(), req.LPAmount)
	if err != nil {
		s.deps.opError("enqueue")
		return WithdrawReceipt{}, fmt.Errorf("pool_service: enqueue: escrow shares: %w", err)
	}
	now := s.deps.now()
	wr, err := pool.Enqueue(&p, req.Owner, req.Destination, moved, now)
	if err != nil {
		return WithdrawReceipt{}, fmt.Errorf("pool_service: enqueue: %w", err)
	}
	p.UpdatedAt = now
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Withdrawals().Create(ctx, wr); err != nil {
			return err
		}
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "withdraw_queued", map[string]any{
			"request_id": wr.ID,
			"owner":      req.Owner.Hex(),
			"lp_amount":  moved,
		})
	})
	if err != nil {
		s.deps.opError("enqueue")
		if _, rerr := s.deps.transfer(ctx, domain.AssetBLP, domain.LPEscrowAccount(), domain.UserAccount(req.Owner), moved); rerr != nil {
			s.logger.ErrorContext(ctx, "pool_service: return escrowed shares failed",
				slog.String("owner", req.Owner.Hex()),
				slog.Uint64("lp_amount", moved),
				slog.String("error", rerr.Error()),
			)
		}
		return WithdrawReceipt{}, fmt.Errorf("pool_service: enqueue: commit: %w", err)
	}

	s.deps.poolOp("enqueue", p)
	s.deps.publish(ctx, domain.ChannelPool, "withdraw_queued", wr)
	s.logger.InfoContext(ctx, "pool_service: withdrawal queued",
		slog.Uint64("request_id", wr.ID),
		slog.String("owner", req.Owner.Hex()),
		slog.Uint64("lp_amount", moved),
		slog.Uint64("queue_depth", p.QueueDepth()),
	)
	return WithdrawReceipt{Queued: &wr, Pool: p}, nil
}

// ProcessNext serves one step of the request at the queue tail. It
// returns false when the queue is empty or the pool has no cash for it.
func (s *PoolService) ProcessNext(ctx context.Context) (QueueStep, bool, error) {
	unlock, err := s.deps.lock(ctx, domain.PoolLockKey)
	if err != nil {
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}
	defer unlock()

	p, err := s.deps.Store.Pool().Get(ctx)
	if err != nil {
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}
	if p.QueueDepth() == 0 {
		return QueueStep{}, false, nil
	}
	wr, err := s.deps.Store.Withdrawals().GetByID(ctx, p.WithdrawQueueTail+1)
	if err != nil {
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: request %d: %w", p.WithdrawQueueTail+1, err)
	}
	cash, err := s.available(ctx, p)
	if err != nil {
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}

	q, err := pool.ProcessQueued(p, wr, cash)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			s.stalled(ctx, wr, p, cash)
			return QueueStep{}, false, nil
		}
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}

	burned, err := s.deps.Ledger.Burn(ctx, domain.AssetBLP, domain.LPEscrowAccount(), q.LPAmount)
	if err != nil {
		s.deps.opError("queue")
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: burn: %w", err)
	}
	net, fee, err := s.payOut(ctx, wr.Destination, q)
	if err != nil {
		s.deps.opError("queue")
		s.failed(ctx, "queue_fill_failed", wr.Requester, map[string]any{"request_id": wr.ID, "burned": burned, "net_paid": net, "error": err.Error()})
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}
	if err := p.ApplyQueued(&wr, burned, net+fee, fee); err != nil {
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: %w", err)
	}
	now := s.deps.now()
	wr.UpdatedAt, p.UpdatedAt = now, now
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Withdrawals().Update(ctx, wr); err != nil {
			return err
		}
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "withdraw_processed", map[string]any{
			"request_id": wr.ID,
			"lp_burned":  burned,
			"net":        net,
			"fee":        fee,
			"remaining":  wr.RemainingLP,
		})
	})
	if err != nil {
		s.deps.opError("queue")
		return QueueStep{}, false, fmt.Errorf("pool_service: process queue: commit: %w", err)
	}

	q.LPAmount, q.Net, q.Fee, q.Gross = burned, net, fee, net+fee
	s.deps.poolOp("queue_fill", p)
	s.deps.publish(ctx, domain.ChannelPool, "withdraw_processed", wr)
	s.logger.InfoContext(ctx, "pool_service: queued withdrawal processed",
		slog.Uint64("request_id", wr.ID),
		slog.Uint64("lp_burned", burned),
		slog.Uint64("net", net),
		slog.String("status", string(wr.Status)),
	)
	return QueueStep{Request: wr, Paid: q}, true, nil
}

// ProcessQueue serves up to batch steps in FIFO order and stops at the
// first request that cannot be completed.
func (s *PoolService) ProcessQueue(ctx context.Context, batch int) ([]QueueStep, error) {
	var steps []QueueStep
	for batch <= 0 || len(steps) < batch {
		step, ok, err := s.ProcessNext(ctx)
		if err != nil {
			return steps, err
		}
		if !ok {
			break
		}
		steps = append(steps, step)
		if step.Request.Status != domain.WithdrawStatusFulfilled {
			break
		}
	}
	return steps, nil
}

// Queue lists pending requests in service order.
func (s *PoolService) Queue(ctx context.Context, limit int) ([]domain.WithdrawRequest, error) {
	reqs, err := s.deps.Store.Withdrawals().ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("pool_service: queue: %w", err)
	}
	return reqs, nil
}

// Request returns one queued request.
func (s *PoolService) Request(ctx context.Context, id uint64) (domain.WithdrawRequest, error) {
	wr, err := s.deps.Store.Withdrawals().GetByID(ctx, id)
	if err != nil {
		return domain.WithdrawRequest{}, fmt.Errorf("pool_service: request %d: %w", id, err)
	}
	return wr, nil
}

// available is the pool cash redemptions may use right now.
func (s *PoolService) available(ctx context.Context, p domain.LiquidityPool) (uint64, error) {
	balance, err := s.deps.Ledger.Balance(ctx, domain.AssetCollateral, domain.PoolAccount())
	if err != nil {
		return 0, fmt.Errorf("pool balance: %w", err)
	}
	var openInterest uint64
	if s.deps.Protocol.ReserveBps > 0 {
		if openInterest, err = s.openInterest(ctx); err != nil {
			return 0, err
		}
	}
	return pool.AvailableCash(p, balance, openInterest, s.deps.Protocol.ReserveBps)
}

const openInterestPage = 500

func (s *PoolService) openInterest(ctx context.Context) (uint64, error) {
	var total uint64
	for offset := 0; ; offset += openInterestPage {
		open, err := s.deps.Store.Positions().ListOpen(ctx, domain.ListOpts{Limit: openInterestPage, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("open interest: %w", err)
		}
		for _, pos := range open {
			if total, err = fixedpoint.Add(total, pos.Size); err != nil {
				return 0, fmt.Errorf("open interest: %w", err)
			}
		}
		if len(open) < openInterestPage {
			return total, nil
		}
	}
}

// payOut pays a redemption's net amount to dest and its fee to the
// treasury, both from the pool account.
func (s *PoolService) payOut(ctx context.Context, dest common.Hash, q pool.WithdrawalResult) (net, fee uint64, err error) {
	net, err = s.deps.transfer(ctx, domain.AssetCollateral, domain.PoolAccount(), domain.UserAccount(dest), q.Net)
	if err != nil {
		return 0, 0, fmt.Errorf("pay out: %w", err)
	}
	fee, err = s.deps.transfer(ctx, domain.AssetCollateral, domain.PoolAccount(), domain.TreasuryAccount(), q.Fee)
	if err != nil {
		return net, 0, fmt.Errorf("fee transfer: %w", err)
	}
	return net, fee, nil
}

func (s *PoolService) stalled(ctx context.Context, wr domain.WithdrawRequest, p domain.LiquidityPool, cash uint64) {
	s.logger.WarnContext(ctx, "pool_service: withdrawal queue stalled",
		slog.Uint64("request_id", wr.ID),
		slog.Uint64("queue_depth", p.QueueDepth()),
		slog.Uint64("pool_cash", cash),
	)
	if s.lastStalled.Swap(wr.ID) == wr.ID {
		return
	}
	if err := s.deps.Notifier.QueueStalled(ctx, wr.ID, p.QueueDepth(), cash); err != nil {
		s.logger.WarnContext(ctx, "pool_service: queue stall alert failed", slog.String("error", err.Error()))
	}
}

func (s *PoolService) failed(ctx context.Context, event string, owner common.Hash, detail map[string]any) {
	detail["owner"] = owner.Hex()
	s.logger.ErrorContext(ctx, "pool_service: operation left partial transfers",
		slog.String("event", event),
		slog.String("owner", owner.Hex()),
	)
	s.deps.auditOutside(ctx, event, detail)
}

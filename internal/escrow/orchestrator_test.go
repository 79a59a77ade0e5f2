package escrow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/observability/alerting"
	"EgoMarket/internal/signing"

	"github.com/stretchr/testify/require"
)

func TestFundLocksBudgetWithRegisters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))

	receipt, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), DeadlineHeight: 40, AgentAddress: "bob"})
	require.NoError(t, err)
	require.Equal(t, 1, receipt.Attempts)
	require.Equal(t, signing.KindDirect, receipt.Wallet)
	require.Equal(t, ledger.BoxID(receipt.TxID, 0), receipt.BoxID)

	box, err := h.orch.Verify(ctx, receipt.BoxID)
	require.NoError(t, err)
	require.Equal(t, coins(10), box.Value)
	require.Equal(t, h.orch.Config().ContractAddress, box.Address)
	require.Equal(t, h.alice.Address(), box.Registers[RegisterClient])
	require.Equal(t, "bob", box.Registers[RegisterAgent])
	require.Equal(t, "40", box.Registers[RegisterDeadline])
	require.Equal(t, "t1", box.Registers[RegisterTask])
}

func TestInsufficientFundsNeverReachesSigning(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(5))

	_, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.Error(t, err)
	require.Equal(t, CodeInsufficientFunds, xerrors.CodeOf(err))
	require.False(t, xerrors.AmbiguousError(err))
	require.Zero(t, h.wallet.Signs())
	require.Zero(t, h.chain.Submissions())
}

func TestReleaseTwiceIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))
	funded, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), AgentAddress: "bob"})
	require.NoError(t, err)

	released, err := h.orch.Release(ctx, h.gateway, ReleaseRequest{TaskID: "t1", EscrowRef: funded.BoxID})
	require.NoError(t, err)
	cfg := h.orch.Config()
	require.Equal(t, "bob", released.Payee)
	require.Equal(t, cfg.ProtocolFee(coins(10)), released.ProtocolFee)
	require.Equal(t, coins(10)-cfg.NetworkFee-cfg.ProtocolFee(coins(10)), released.Payout)

	payout, err := h.chain.Utxos(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, released.Payout, ledger.Balance(payout))

	submissions := h.chain.Submissions()
	_, err = h.orch.Release(ctx, h.gateway, ReleaseRequest{TaskID: "t1", EscrowRef: funded.BoxID})
	require.True(t, stdErrors.Is(err, ErrStaleReference))
	require.Equal(t, submissions, h.chain.Submissions())
}

func TestReleaseRejectsBoxOfAnotherTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))
	funded, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), AgentAddress: "bob"})
	require.NoError(t, err)

	_, err = h.orch.Release(ctx, h.gateway, ReleaseRequest{TaskID: "t2", EscrowRef: funded.BoxID})
	require.Equal(t, CodeStaleReference, xerrors.CodeOf(err))
}

func TestRefundChecksDeadlineHeight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))
	funded, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), DeadlineHeight: 10})
	require.NoError(t, err)

	submissions := h.chain.Submissions()
	_, err = h.orch.Refund(ctx, h.gateway, RefundRequest{TaskID: "t1", EscrowRef: funded.BoxID})
	require.Equal(t, CodeDeadlineNotReached, xerrors.CodeOf(err))
	require.Equal(t, submissions, h.chain.Submissions())

	h.chain.Mine(10)
	refunded, err := h.orch.Refund(ctx, h.gateway, RefundRequest{TaskID: "t1", EscrowRef: funded.BoxID})
	require.NoError(t, err)
	require.Equal(t, h.alice.Address(), refunded.Payee)
	require.Equal(t, coins(10)-h.orch.Config().NetworkFee, refunded.Payout)
}

func TestConflictIsRebuiltOnce(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	var hits int
	h.chain.SetSubmitHook(func(context.Context, *ledger.SignedTx) error {
		hits++
		if hits == 1 {
			return xerrors.Wrap(ledger.CodeDoubleSpend, ledger.ErrDoubleSpend, "raced by another tab")
		}
		return nil
	})

	receipt, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.NoError(t, err)
	require.Equal(t, 2, receipt.Attempts)
	require.Equal(t, 2, h.wallet.Signs())
	require.Equal(t, 1, h.chain.Submissions())
}

func TestRepeatedConflictSurfaces(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	h.chain.SetSubmitHook(func(context.Context, *ledger.SignedTx) error {
		return xerrors.Wrap(ledger.CodeDoubleSpend, ledger.ErrDoubleSpend, "still racing")
	})

	_, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.True(t, stdErrors.Is(err, ErrConflict))
	require.True(t, xerrors.RetryableError(err))
	require.Equal(t, 2, h.wallet.Signs())
	require.Zero(t, h.chain.Submissions())
}

func TestRejectedSubmissionAlerts(t *testing.T) {
	h := newHarness(t)
	recorder := &alerting.Recorder{}
	h.orch.alerts = alerting.NewFanout(recorder)
	h.chain.Faucet(h.alice.Address(), coins(20))
	h.chain.SetSubmitHook(func(context.Context, *ledger.SignedTx) error {
		return xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected, "script failed")
	})

	_, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.Equal(t, CodeSubmissionRejected, xerrors.CodeOf(err))
	require.False(t, xerrors.AmbiguousError(err))

	alerts := recorder.Events()
	require.Len(t, alerts, 1)
	require.Equal(t, CodeSubmissionRejected, alerts[0].Code)
	require.Equal(t, "t1", alerts[0].TaskID)
	require.NotEmpty(t, alerts[0].TxID)
}

func TestUnknownSubmitOutcomeIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	h.chain.SetSubmitHook(func(context.Context, *ledger.SignedTx) error {
		return stdErrors.New("connection reset by peer")
	})

	_, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.Equal(t, CodeSubmissionUnconfirmed, xerrors.CodeOf(err))
	require.True(t, xerrors.AmbiguousError(err))
}

func TestSubmitTimeoutIsUnconfirmed(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	entered := make(chan struct{})
	h.chain.SetSubmitHook(func(ctx context.Context, _ *ledger.SignedTx) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	errs := make(chan error, 1)
	go func() {
		_, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
		errs <- err
	}()
	<-entered
	h.clock.Add(h.orch.Config().SubmitTimeout)

	select {
	case err := <-errs:
		require.Equal(t, CodeSubmissionUnconfirmed, xerrors.CodeOf(err))
		require.True(t, xerrors.AmbiguousError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("submit step did not time out")
	}
}

func TestFundUnresolvedCarriesTxID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadbackRetries = 0
	h := newHarness(t, withEscrowConfig(cfg))
	h.chain.Faucet(h.alice.Address(), coins(20))
	h.chain.SetSubmitHook(func(_ context.Context, tx *ledger.SignedTx) error {
		h.chain.HideTx(tx.ID)
		return nil
	})

	receipt, err := h.orch.Fund(context.Background(), h.gateway, FundRequest{TaskID: "t1", Amount: coins(10)})
	require.Equal(t, CodeEscrowUnresolved, xerrors.CodeOf(err))
	require.True(t, xerrors.AmbiguousError(err))
	require.NotEmpty(t, receipt.TxID)
	require.Empty(t, receipt.BoxID)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, receipt.TxID, e.Metadata()["tx_id"])
}

func TestRemoteFundUsesObservedTransaction(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	presented := make(chan struct{})
	remote := signing.NewRemoteGateway(h.chain, signing.PresenterFunc(func(ctx context.Context, req signing.Request) error {
		raw, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return err
		}
		var tx ledger.UnsignedTx
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		signed, err := h.alice.SignTx(ctx, &tx)
		if err != nil {
			return err
		}
		if _, err := h.chain.Submit(ctx, signed); err != nil {
			return err
		}
		close(presented)
		return nil
	}), signing.WithClock(h.clock))

	ctx := signing.ContextWithIdentity(context.Background(), signing.Identity{Address: h.alice.Address()})
	type result struct {
		receipt Receipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.orch.Fund(ctx, remote, FundRequest{TaskID: "t1", Amount: coins(10)})
		done <- result{r, err}
	}()
	<-presented
	h.clock.Add(signing.DefaultPollInterval)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, signing.KindRemote, res.receipt.Wallet)
		require.Equal(t, ledger.BoxID(res.receipt.TxID, 0), res.receipt.BoxID)
		require.Equal(t, 1, h.chain.Submissions())
	case <-time.After(5 * time.Second):
		t.Fatal("remote fund did not complete")
	}
}

func TestClassifySubmit(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code xerrors.Code
	}{
		{name: "double spend", err: ledger.ErrDoubleSpend, code: CodeConflict},
		{name: "rejected", err: ledger.ErrRejected, code: CodeSubmissionRejected},
		{name: "transport", err: stdErrors.New("EOF"), code: CodeSubmissionUnconfirmed},
		{name: "cancelled", err: context.Canceled, code: CodeSubmissionUnconfirmed},
		{name: "already classified", err: ErrSubmissionUnconfirmed, code: CodeSubmissionUnconfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.code, xerrors.CodeOf(classifySubmit(tc.err, "tx")))
		})
	}
}

func TestHangingWalletConnectTimesOut(t *testing.T) {
	h := newHarness(t)
	h.chain.Faucet(h.alice.Address(), coins(20))
	entered := make(chan struct{})
	gw := signing.NewDirectGateway(&hookedExtension{inner: h.alice, onConnect: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}})

	errs := make(chan error, 1)
	go func() {
		_, err := h.orch.Fund(context.Background(), gw, FundRequest{TaskID: "t1", Amount: coins(10), DeadlineHeight: 40})
		errs <- err
	}()
	<-entered
	h.clock.Add(h.orch.Config().ConnectTimeout + time.Second)

	select {
	case err := <-errs:
		require.Equal(t, CodeConnectionTimeout, xerrors.CodeOf(err))
		require.True(t, xerrors.AmbiguousError(err))
		require.Equal(t, xerrors.RecoveryReverify, xerrors.RecoveryOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connect step did not time out")
	}
	require.Zero(t, h.chain.Submissions())
}

func TestConcurrentReleaseReverifiesBox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))
	funded, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), AgentAddress: "bob"})
	require.NoError(t, err)
	submissions := h.chain.Submissions()

	gw, entered, release := h.stalledSigner()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.orch.Release(ctx, gw, ReleaseRequest{TaskID: "t1", EscrowRef: funded.BoxID})
			errs <- err
		}()
	}
	<-entered
	require.Eventually(t, func() bool { return h.orch.locks.waiters("t1") == 2 }, 5*time.Second, time.Millisecond)
	close(release)

	var ok, stale int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			switch {
			case err == nil:
				ok++
			case stdErrors.Is(err, ErrStaleReference):
				stale++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("release did not finish")
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, stale)
	require.Equal(t, submissions+1, h.chain.Submissions())
}

func TestCancelledWaiterDoesNotDisturbHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.Faucet(h.alice.Address(), coins(20))
	funded, err := h.orch.Fund(ctx, h.gateway, FundRequest{TaskID: "t1", Amount: coins(10), AgentAddress: "bob"})
	require.NoError(t, err)

	gw, entered, release := h.stalledSigner()
	holder := make(chan error, 1)
	go func() {
		_, err := h.orch.Release(ctx, gw, ReleaseRequest{TaskID: "t1", EscrowRef: funded.BoxID})
		holder <- err
	}()
	<-entered

	waitCtx, cancel := context.WithCancel(ctx)
	waiter := make(chan error, 1)
	go func() {
		_, err := h.orch.Release(waitCtx, gw, ReleaseRequest{TaskID: "t1", EscrowRef: funded.BoxID})
		waiter <- err
	}()
	require.Eventually(t, func() bool { return h.orch.locks.waiters("t1") == 2 }, 5*time.Second, time.Millisecond)
	cancel()

	err = <-waiter
	require.Equal(t, CodeConflict, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))
	require.False(t, xerrors.AmbiguousError(err))

	close(release)
	require.NoError(t, <-holder)
	require.Zero(t, h.orch.locks.waiters("t1"))
}

package replicate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"copyarena/internal/store"
	"copyarena/pkg/types"
)

func clientFrame(t *testing.T, typ string, conf types.TradeConfirmation) types.ClientFrame {
	t.Helper()
	raw, err := json.Marshal(conf)
	if err != nil {
		t.Fatalf("marshal confirmation: %v", err)
	}
	return types.ClientFrame{Type: typ, Data: raw}
}

type mirrorFixture struct {
	master   *types.User
	follower *types.User
	follow   *types.Follow
	trade    *types.Trade
	pending  *types.CopyTrade
}

// seedMirror builds master→follower with one master trade and its pending
// ledger record, as the live open path leaves them.
func seedMirror(t *testing.T, e *Engine, st *store.Store, fh *fakeHub) mirrorFixture {
	t.Helper()
	ctx := context.Background()
	master := seedUser(t, st, "mariosat2", true)
	follower := seedUser(t, st, "mariosat", false)
	follow, err := st.CreateFollow(ctx, follower.ID, master.ID, dec(t, "100"), dec(t, "1"))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	fh.connected[follower.ID] = true

	tr := openTrade(t, st, master.ID, "11046500", "0.10", masterOpen)
	e.handleOpened(ctx, openedEvent(master, tr))
	ct, err := st.GetPendingCopyTradeByMasterTicket(ctx, follow.ID, tr.Ticket)
	if err != nil {
		t.Fatalf("pending record: %v", err)
	}
	return mirrorFixture{master: master, follower: follower, follow: follow, trade: tr, pending: ct}
}

func TestConfirmExecutionLinksAndNotifies(t *testing.T) {
	t.Parallel()
	e, st, _, fh, fn := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	ft := openTrade(t, st, fx.follower.ID, "22003300", "0.10", time.Now())
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyExecuted {
		t.Fatalf("status: got %s, want executed", ct.Status)
	}
	if ct.FollowerTicket != "22003300" {
		t.Errorf("follower ticket: %s", ct.FollowerTicket)
	}
	if ct.FollowerTradeID == nil || *ct.FollowerTradeID != ft.ID {
		t.Errorf("follower trade id: %v", ct.FollowerTradeID)
	}
	if ct.ExecutedAt == nil {
		t.Error("executed_at not stamped")
	}
	if len(fn.executed) != 1 {
		t.Errorf("executed pushes: %d", len(fn.executed))
	}
}

func TestConfirmExecutionBeforeSnapshotLinksTicketOnly(t *testing.T) {
	t.Parallel()
	e, st, _, fh, _ := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	// Confirmation lands before any follower snapshot: no trade row yet.
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyExecuted || ct.FollowerTicket != "22003300" {
		t.Errorf("record: status=%s ticket=%s", ct.Status, ct.FollowerTicket)
	}
	if ct.FollowerTradeID != nil {
		t.Errorf("trade id linked without a trade row: %v", *ct.FollowerTradeID)
	}
}

func TestConfirmExecutionFailureMarksFailed(t *testing.T) {
	t.Parallel()
	e, st, _, fh, fn := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: false, CopyHash: fx.pending.CopyHash, Error: "market closed",
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyFailed {
		t.Fatalf("status: got %s, want failed", ct.Status)
	}
	if ct.Error != "market closed" || ct.RetryCount != 1 {
		t.Errorf("failure detail: error=%q retries=%d", ct.Error, ct.RetryCount)
	}
	if len(fn.executed) != 0 {
		t.Errorf("executed push for failed copy")
	}
}

func TestConfirmExecutionCorrelatesByEchoedCommand(t *testing.T) {
	t.Parallel()
	e, st, _, fh, _ := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	echo, err := json.Marshal(types.ExecuteTradeCommand{CopyTradeID: fx.pending.ID})
	if err != nil {
		t.Fatalf("marshal echo: %v", err)
	}
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", OriginalCommand: echo,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyExecuted {
		t.Errorf("status: got %s, want executed", ct.Status)
	}
}

func TestConfirmExecutionMasterTicketFallback(t *testing.T) {
	t.Parallel()
	e, st, _, fh, _ := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	// Oldest client build: no hash, no id, only the master ticket echoed.
	echo, err := json.Marshal(types.ExecuteTradeCommand{MasterTicket: "11046500"})
	if err != nil {
		t.Fatalf("marshal echo: %v", err)
	}
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", OriginalCommand: echo,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyExecuted {
		t.Errorf("status: got %s, want executed", ct.Status)
	}
}

func TestConfirmRejectsForeignRecords(t *testing.T) {
	t.Parallel()
	e, st, _, fh, fn := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	stranger := seedUser(t, st, "stranger", false)

	// A client echoing someone else's ledger id moves nothing.
	echo, err := json.Marshal(types.ExecuteTradeCommand{CopyTradeID: fx.pending.ID})
	if err != nil {
		t.Fatalf("marshal echo: %v", err)
	}
	e.HandleConfirmation(stranger.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "99999", OriginalCommand: echo,
	}))

	// Neither does their copy of the hash.
	e.HandleConfirmation(stranger.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "99999", CopyHash: fx.pending.CopyHash,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyPending {
		t.Errorf("foreign confirmation moved record to %s", ct.Status)
	}
	if len(fn.executed) != 0 {
		t.Errorf("executed push from foreign confirmation")
	}
}

func TestConfirmCloseSettlesLedgerAndTrade(t *testing.T) {
	t.Parallel()
	e, st, _, fh, fn := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	openTrade(t, st, fx.follower.ID, "22003300", "0.10", time.Now())
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
	}))

	price, profit := dec(t, "1.03400"), dec(t, "5.50")
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeClosed, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
		Price: &price, Profit: &profit,
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyClosed || ct.ClosedAt == nil {
		t.Fatalf("ledger: status=%s closed_at=%v", ct.Status, ct.ClosedAt)
	}

	tr, err := st.GetTradeByTicket(ctx, fx.follower.ID, "22003300")
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if tr.IsOpen() {
		t.Fatal("follower trade still open")
	}
	if tr.RealizedPnL == nil || !tr.RealizedPnL.Equal(profit) {
		t.Errorf("realized: %v, want %s", tr.RealizedPnL, profit)
	}
	if tr.ClosePrice == nil || !tr.ClosePrice.Equal(price) {
		t.Errorf("close price: %v, want %s", tr.ClosePrice, price)
	}
	if len(fn.closed) != 1 {
		t.Errorf("closed pushes: %d", len(fn.closed))
	}
}

func TestConfirmCloseByFollowerTicket(t *testing.T) {
	t.Parallel()
	e, st, _, fh, _ := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	openTrade(t, st, fx.follower.ID, "22003300", "0.10", time.Now())
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
	}))

	// No hash on the close: the broker ticket is enough.
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeClosed, types.TradeConfirmation{
		Success: true, Ticket: "22003300",
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyClosed {
		t.Errorf("status: got %s, want closed", ct.Status)
	}
}

func TestConfirmCloseFailureLeavesExecuted(t *testing.T) {
	t.Parallel()
	e, st, _, fh, _ := newTestEngine(t)
	ctx := context.Background()
	fx := seedMirror(t, e, st, fh)

	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
	}))
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeClosed, types.TradeConfirmation{
		Success: false, Ticket: "22003300", CopyHash: fx.pending.CopyHash,
		Error: "position not found",
	}))

	ct, err := st.GetCopyTrade(ctx, fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyExecuted {
		t.Errorf("status: got %s, want executed", ct.Status)
	}
}

func TestConfirmIgnoresGarbage(t *testing.T) {
	t.Parallel()
	e, st, _, fh, fn := newTestEngine(t)
	fx := seedMirror(t, e, st, fh)

	e.HandleConfirmation(fx.follower.ID, types.ClientFrame{
		Type: types.FrameTradeExecuted, Data: json.RawMessage(`{broken`),
	})
	e.HandleConfirmation(fx.follower.ID, clientFrame(t, types.FrameTradeExecuted, types.TradeConfirmation{
		Success: true, Ticket: "555", CopyHash: "feedfacefeedface",
	}))

	ct, err := st.GetCopyTrade(context.Background(), fx.pending.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ct.Status != types.CopyPending {
		t.Errorf("garbage moved record to %s", ct.Status)
	}
	if len(fn.executed) != 0 {
		t.Errorf("executed push from garbage")
	}
}

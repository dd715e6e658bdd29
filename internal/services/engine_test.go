package services_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"pumpup-backend/internal/apperr"
	"pumpup-backend/internal/fairness"
	"pumpup-backend/internal/models"
	"pumpup-backend/internal/services"
	"pumpup-backend/internal/storage/redisstore"
	"pumpup-backend/internal/storage/sqlstore"
)

// scriptedOracle serves queued outcomes instead of HMAC draws. An empty
// queue always survives.
type scriptedOracle struct {
	*fairness.Oracle

	mu       sync.Mutex
	outcomes []float64
}

func (o *scriptedOracle) DeriveOutcome(serverSeed, clientSeed string, nonce int64, d models.Difficulty) (float64, error) {
	if _, err := o.Curve(d); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outcomes) == 0 {
		return 0, nil
	}
	v := o.outcomes[0]
	o.outcomes = o.outcomes[1:]
	return v, nil
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	balances []int64
	rounds   []models.Round
}

func (b *recordingBroadcaster) BroadcastRoundUpdate(userID string, round models.Round) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rounds = append(b.rounds, round)
}

func (b *recordingBroadcaster) BroadcastBalanceUpdate(userID string, balance int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = append(b.balances, balance)
}

func setupEngine(t *testing.T) *services.Engine {
	t.Helper()
	return newEngine(t, newOracle(t))
}

// setupScriptedEngine draws step outcomes from the given queue.
func setupScriptedEngine(t *testing.T, outcomes ...float64) *services.Engine {
	t.Helper()
	return newEngine(t, &scriptedOracle{Oracle: newOracle(t), outcomes: outcomes})
}

func newOracle(t *testing.T) *fairness.Oracle {
	t.Helper()
	oracle, err := fairness.NewOracle(nil)
	if err != nil {
		t.Fatalf("Failed to build oracle: %v", err)
	}
	return oracle
}

func newEngine(t *testing.T, oracle services.Oracle) *services.Engine {
	t.Helper()

	store, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := services.NewEngine(store, services.NewLedger(store), oracle, services.EngineConfig{
		MaxStake:        100000,
		StartingBalance: 10000,
	})
	return engine
}

func login(t *testing.T, engine *services.Engine, name string) models.User {
	t.Helper()
	user, err := engine.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("Failed to login: %v", err)
	}
	return user
}

func startRound(t *testing.T, engine *services.Engine, userID string, stake int64, d models.Difficulty) models.Round {
	t.Helper()
	round, err := engine.Start(context.Background(), userID, models.StartRoundRequest{Stake: stake, Difficulty: d})
	if err != nil {
		t.Fatalf("Failed to start round: %v", err)
	}
	return round
}

func balanceOf(t *testing.T, engine *services.Engine, userID string) int64 {
	t.Helper()
	balance, err := engine.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	return balance
}

func TestLoginFundsNewAccount(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	user := login(t, engine, "alice")
	if user.ID == "" || user.Username != "alice" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.Balance != 10000 {
		t.Errorf("starting balance = %d, want 10000", user.Balance)
	}

	other := login(t, engine, "alice")
	if other.ID == user.ID {
		t.Error("each login should create a new identity")
	}

	entries, err := engine.Ledger().Entries(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != models.EntryKindCredit || entries[0].Amount != 10000 {
		t.Errorf("expected one starting credit, got %+v", entries)
	}

	if _, err := engine.Balance(ctx, "nobody"); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("expected USER_NOT_FOUND, got %v", err)
	}
}

func TestStartDebitsStake(t *testing.T) {
	engine := setupEngine(t)
	user := login(t, engine, "bob")

	round := startRound(t, engine, user.ID, 1000, models.DifficultyEasy)

	if got := balanceOf(t, engine, user.ID); got != 9000 {
		t.Errorf("balance = %d, want 9000", got)
	}
	if round.Status != models.RoundStatusActive || round.Step != 0 || round.Multiplier != models.MultiplierScale {
		t.Errorf("unexpected new round %+v", round)
	}
	if round.ServerSeed != "" {
		t.Error("server seed must stay hidden while the round is active")
	}
	if round.ServerSeedHash == "" {
		t.Error("commitment hash should be published at start")
	}
	if round.ClientSeed == "" {
		t.Error("an empty client seed should be replaced by a generated one")
	}
}

func TestStartValidation(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()
	user := login(t, engine, "carol")

	cases := []struct {
		name string
		req  models.StartRoundRequest
		want error
	}{
		{"zero stake", models.StartRoundRequest{Stake: 0, Difficulty: models.DifficultyEasy}, apperr.ErrInvalidStake},
		{"negative stake", models.StartRoundRequest{Stake: -5, Difficulty: models.DifficultyEasy}, apperr.ErrInvalidStake},
		{"above max stake", models.StartRoundRequest{Stake: 100001, Difficulty: models.DifficultyEasy}, apperr.ErrInvalidStake},
		{"unknown difficulty", models.StartRoundRequest{Stake: 10, Difficulty: "extreme"}, apperr.ErrInvalidDifficulty},
		{"insufficient funds", models.StartRoundRequest{Stake: 20000, Difficulty: models.DifficultyHard}, apperr.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Start(ctx, user.ID, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := balanceOf(t, engine, user.ID); got != 10000 {
		t.Errorf("rejected starts changed the balance to %d", got)
	}

	_, err := engine.Start(ctx, "ghost", models.StartRoundRequest{Stake: 10, Difficulty: models.DifficultyEasy})
	if !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("unknown user: expected USER_NOT_FOUND, got %v", err)
	}
}

func TestConcurrentStartsOpenOneRound(t *testing.T) {
	engine := setupEngine(t)
	user := login(t, engine, "dave")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Start(context.Background(), user.ID, models.StartRoundRequest{
				Stake: 500, Difficulty: models.DifficultyMedium,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, apperr.ErrRoundInProgress):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if started != 1 {
		t.Errorf("started %d rounds, want exactly 1", started)
	}
	if got := balanceOf(t, engine, user.ID); got != 9500 {
		t.Errorf("balance = %d, want 9500", got)
	}
}

func TestCashoutAfterThreeSteps(t *testing.T) {
	engine := setupScriptedEngine(t, 0.1, 0.2, 0.3)
	ctx := context.Background()
	user := login(t, engine, "erin")
	round := startRound(t, engine, user.ID, 1000, models.DifficultyEasy)

	var last float64
	for i := 1; i <= 3; i++ {
		res, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Result != "survived" || res.Step != i {
			t.Fatalf("step %d: unexpected result %+v", i, res)
		}
		if res.Multiplier <= last {
			t.Errorf("multiplier did not grow: %v after %v", res.Multiplier, last)
		}
		if res.ServerSeed != "" {
			t.Error("seed revealed on a survived step")
		}
		last = res.Multiplier
	}

	res, err := engine.Cashout(ctx, round.ID, user.ID)
	if err != nil {
		t.Fatalf("Failed to cashout: %v", err)
	}
	if res.Round.Multiplier != 1_728_000 {
		t.Errorf("multiplier = %d ppm, want 1728000", res.Round.Multiplier)
	}
	if res.Payout != 1728 {
		t.Errorf("payout = %d, want 1728", res.Payout)
	}
	if res.Result != "cashed_out" || res.FinalMultiplier != 1.728 {
		t.Errorf("unexpected cashout result %+v", res)
	}
	if !fairness.VerifyCommitment(res.ServerSeed, res.ServerSeedHash) {
		t.Error("revealed seed does not match the commitment")
	}
	if got := balanceOf(t, engine, user.ID); got != 10728 {
		t.Errorf("balance = %d, want 10728", got)
	}
}

func TestDoubleCashoutCreditsOnce(t *testing.T) {
	engine := setupScriptedEngine(t)
	ctx := context.Background()
	user := login(t, engine, "frank")
	round := startRound(t, engine, user.ID, 1000, models.DifficultyEasy)

	if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := engine.Cashout(ctx, round.ID, user.ID); err != nil {
		t.Fatalf("first cashout: %v", err)
	}
	after := balanceOf(t, engine, user.ID)

	if _, err := engine.Cashout(ctx, round.ID, user.ID); !errors.Is(err, apperr.ErrRoundNotActive) {
		t.Fatalf("second cashout: expected ROUND_NOT_ACTIVE, got %v", err)
	}
	if got := balanceOf(t, engine, user.ID); got != after {
		t.Errorf("second cashout moved balance from %d to %d", after, got)
	}
	if after != 10000-1000+1200 {
		t.Errorf("balance = %d, want 10200", after)
	}

	entries, err := engine.Ledger().Entries(ctx, user.ID, 50)
	if err != nil {
		t.Fatalf("Failed to list entries: %v", err)
	}
	settles := 0
	for _, e := range entries {
		if e.Kind == models.EntryKindSettle && e.RoundID == round.ID {
			settles++
		}
	}
	if settles != 1 {
		t.Errorf("found %d settle entries, want 1", settles)
	}
}

func TestExplosionLosesStake(t *testing.T) {
	engine := setupScriptedEngine(t, 0.1, 0.999)
	ctx := context.Background()
	user := login(t, engine, "gina")
	round := startRound(t, engine, user.ID, 1000, models.DifficultyEasy)

	if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy); err != nil {
		t.Fatalf("first step: %v", err)
	}
	res, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy)
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if res.Result != "exploded" || res.Step != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.FinalMultiplier != 1.2 || res.Multiplier != res.FinalMultiplier {
		t.Errorf("final multiplier = %v (multiplier %v), want 1.2", res.FinalMultiplier, res.Multiplier)
	}
	if res.ServerSeed == "" || !fairness.VerifyCommitment(res.ServerSeed, round.ServerSeedHash) {
		t.Error("exploded step should reveal the committed seed")
	}
	if res.Round.Status != models.RoundStatusExploded || res.Round.Payout != 0 {
		t.Errorf("unexpected round %+v", res.Round)
	}
	if got := balanceOf(t, engine, user.ID); got != 9000 {
		t.Errorf("balance = %d, want 9000", got)
	}

	if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy); !errors.Is(err, apperr.ErrRoundNotActive) {
		t.Errorf("step after explosion: expected ROUND_NOT_ACTIVE, got %v", err)
	}
	if _, err := engine.Cashout(ctx, round.ID, user.ID); !errors.Is(err, apperr.ErrRoundNotActive) {
		t.Errorf("cashout after explosion: expected ROUND_NOT_ACTIVE, got %v", err)
	}

	// the user may play again once the round is settled
	startRound(t, engine, user.ID, 100, models.DifficultyHard)
}

func TestStepErrors(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()
	owner := login(t, engine, "henry")
	intruder := login(t, engine, "ivan")
	round := startRound(t, engine, owner.ID, 100, models.DifficultyMedium)

	if _, err := engine.Step(ctx, "missing", owner.ID, models.DifficultyMedium); !errors.Is(err, apperr.ErrRoundNotFound) {
		t.Errorf("expected ROUND_NOT_FOUND, got %v", err)
	}
	if _, err := engine.Step(ctx, round.ID, intruder.ID, models.DifficultyMedium); !errors.Is(err, apperr.ErrNotOwner) {
		t.Errorf("expected NOT_OWNER, got %v", err)
	}
	if _, err := engine.Cashout(ctx, round.ID, intruder.ID); !errors.Is(err, apperr.ErrNotOwner) {
		t.Errorf("cashout by intruder: expected NOT_OWNER, got %v", err)
	}
	if _, err := engine.Step(ctx, round.ID, owner.ID, models.DifficultyHard); !errors.Is(err, apperr.ErrDifficultyMismatch) {
		t.Errorf("expected DIFFICULTY_MISMATCH, got %v", err)
	}
	if _, err := engine.Round(ctx, round.ID, intruder.ID); !errors.Is(err, apperr.ErrNotOwner) {
		t.Errorf("round read by intruder: expected NOT_OWNER, got %v", err)
	}

	got, err := engine.Round(ctx, round.ID, owner.ID)
	if err != nil {
		t.Fatalf("Failed to read round: %v", err)
	}
	if got.Nonce != 0 || got.Step != 0 {
		t.Errorf("rejected steps advanced the round: %+v", got)
	}

	// an empty difficulty falls back to the round's own
	if _, err := engine.Step(ctx, round.ID, owner.ID, ""); err != nil {
		t.Errorf("step without difficulty: %v", err)
	}
}

func TestMaxStepsForcesCashout(t *testing.T) {
	engine := setupScriptedEngine(t)
	ctx := context.Background()
	user := login(t, engine, "judy")
	round := startRound(t, engine, user.ID, 10, models.DifficultyHard)

	curve := fairness.DefaultTable[models.DifficultyHard]
	for i := 0; i < curve.MaxSteps; i++ {
		if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyHard); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyHard); !errors.Is(err, apperr.ErrMaxStepsReached) {
		t.Fatalf("expected MAX_STEPS_REACHED, got %v", err)
	}

	res, err := engine.Cashout(ctx, round.ID, user.ID)
	if err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if want := models.CalculatePayout(10, curve.MultiplierAt(curve.MaxSteps)); res.Payout != want {
		t.Errorf("payout = %d, want %d", res.Payout, want)
	}
}

func TestConcurrentStepsObserveEachIndexOnce(t *testing.T) {
	engine := setupScriptedEngine(t)
	user := login(t, engine, "kim")
	round := startRound(t, engine, user.ID, 100, models.DifficultyEasy)

	const n = 10
	var wg sync.WaitGroup
	steps := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Step(context.Background(), round.ID, user.ID, models.DifficultyEasy)
			if err != nil {
				t.Errorf("step: %v", err)
				return
			}
			steps <- res.Step
		}()
	}
	wg.Wait()
	close(steps)

	seen := make(map[int]bool)
	for s := range steps {
		if seen[s] {
			t.Errorf("step %d observed twice", s)
		}
		seen[s] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Errorf("step %d never observed", i)
		}
	}

	got, err := engine.Round(context.Background(), round.ID, user.ID)
	if err != nil {
		t.Fatalf("Failed to read round: %v", err)
	}
	if got.Step != n || got.Nonce != n {
		t.Errorf("round at step %d nonce %d, want %d", got.Step, got.Nonce, n)
	}
}

func TestVerifyReplaysRound(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()
	user := login(t, engine, "leo")
	round := startRound(t, engine, user.ID, 100, models.DifficultyMedium)

	if _, err := engine.Verify(ctx, round.ID); !errors.Is(err, apperr.ErrRoundStillActive) {
		t.Fatalf("verify active round: expected ROUND_STILL_ACTIVE, got %v", err)
	}

	exploded := false
	for i := 0; i < 5 && !exploded; i++ {
		res, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyMedium)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		exploded = res.Result == "exploded"
	}
	if !exploded {
		if _, err := engine.Cashout(ctx, round.ID, user.ID); err != nil {
			t.Fatalf("cashout: %v", err)
		}
	}

	v, err := engine.Verify(ctx, round.ID)
	if err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if !v.CommitmentValid {
		t.Error("commitment should verify against the revealed seed")
	}
	if int64(len(v.Steps)) != v.Nonce {
		t.Fatalf("replayed %d steps for nonce %d", len(v.Steps), v.Nonce)
	}
	if len(v.Steps) > 0 {
		lastStep := v.Steps[len(v.Steps)-1]
		if lastStep.Exploded != exploded {
			t.Errorf("replay exploded=%v, round exploded=%v", lastStep.Exploded, exploded)
		}
		if lastStep.Multiplier != v.FinalMultiplier {
			t.Errorf("replay multiplier %v, round multiplier %v", lastStep.Multiplier, v.FinalMultiplier)
		}
	}

	oracle := newOracle(t)
	for _, s := range v.Steps {
		outcome, err := oracle.DeriveOutcome(v.ServerSeed, v.ClientSeed, s.Nonce, v.Difficulty)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		if outcome != s.Outcome {
			t.Errorf("nonce %d: outcome %v, replay %v", s.Nonce, outcome, s.Outcome)
		}
	}
}

func TestHistoryAndEvents(t *testing.T) {
	engine := setupScriptedEngine(t, 0.1, 0.999)
	ctx := context.Background()
	user := login(t, engine, "mia")

	first := startRound(t, engine, user.ID, 100, models.DifficultyEasy)
	if _, err := engine.Cashout(ctx, first.ID, user.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}
	second := startRound(t, engine, user.ID, 100, models.DifficultyEasy)
	if _, err := engine.Step(ctx, second.ID, user.ID, ""); err != nil {
		t.Fatalf("step: %v", err)
	}

	rounds, err := engine.History(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	for _, r := range rounds {
		if r.Active() && r.ServerSeed != "" {
			t.Error("history leaked the seed of an active round")
		}
		if r.Status.Terminal() && r.ServerSeed == "" {
			t.Error("history should reveal the seed of a finished round")
		}
	}

	events, err := engine.Events(ctx, 50)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	counts := make(map[models.EventType]int)
	for _, e := range events {
		counts[e.Type]++
	}
	if counts[models.EventRoundStarted] != 2 || counts[models.EventCashout] != 1 || counts[models.EventStep] != 1 {
		t.Errorf("unexpected event counts %v", counts)
	}
}

func TestCreditAndBroadcasts(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()
	b := &recordingBroadcaster{}
	engine.SetBroadcaster(b)
	user := login(t, engine, "nina")

	balance, err := engine.Credit(ctx, user.ID, 500, "bonus")
	if err != nil {
		t.Fatalf("Failed to credit: %v", err)
	}
	if balance != 10500 {
		t.Errorf("balance = %d, want 10500", balance)
	}
	if _, err := engine.Credit(ctx, user.ID, 0, "nothing"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("zero credit: expected INVALID_INPUT, got %v", err)
	}
	if _, err := engine.Credit(ctx, "ghost", 5, ""); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("credit unknown user: expected USER_NOT_FOUND, got %v", err)
	}

	round := startRound(t, engine, user.ID, 500, models.DifficultyEasy)
	if _, err := engine.Cashout(ctx, round.ID, user.ID); err != nil {
		t.Fatalf("cashout: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	wantBalances := []int64{10500, 10000, 10500}
	if len(b.balances) != len(wantBalances) {
		t.Fatalf("balance updates = %v, want %v", b.balances, wantBalances)
	}
	for i, want := range wantBalances {
		if b.balances[i] != want {
			t.Errorf("balance update %d = %d, want %d", i, b.balances[i], want)
		}
	}
	if len(b.rounds) != 2 || b.rounds[1].Status != models.RoundStatusCashedOut {
		t.Errorf("unexpected round updates %+v", b.rounds)
	}
}

func TestEngineOnRedis(t *testing.T) {
	ctx := context.Background()
	client, err := redisstore.Connect(ctx, "localhost:6379", "", 0)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	store := redisstore.New(client)
	defer store.Close()

	engine := services.NewEngine(store, services.NewLedger(store), &scriptedOracle{Oracle: newOracle(t), outcomes: []float64{0.1, 0.1, 0.1}},
		services.EngineConfig{MaxStake: 100000, StartingBalance: 10000})
	user := login(t, engine, "redis-player")

	round := startRound(t, engine, user.ID, 1000, models.DifficultyEasy)
	if _, err := engine.Start(ctx, user.ID, models.StartRoundRequest{Stake: 1, Difficulty: models.DifficultyEasy}); !errors.Is(err, apperr.ErrRoundInProgress) {
		t.Errorf("second start: expected ROUND_IN_PROGRESS, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := engine.Step(ctx, round.ID, user.ID, models.DifficultyEasy); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	res, err := engine.Cashout(ctx, round.ID, user.ID)
	if err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if res.Payout != 1728 {
		t.Errorf("payout = %d, want 1728", res.Payout)
	}
	if got := balanceOf(t, engine, user.ID); got != 10728 {
		t.Errorf("balance = %d, want 10728", got)
	}
	if _, err := engine.Cashout(ctx, round.ID, user.ID); !errors.Is(err, apperr.ErrRoundNotActive) {
		t.Errorf("second cashout: expected ROUND_NOT_ACTIVE, got %v", err)
	}
}

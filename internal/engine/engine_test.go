package engine

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"OptionVault/internal/custody"
	"OptionVault/internal/errs"
	"OptionVault/internal/fee"
	"OptionVault/internal/option"
	"OptionVault/internal/oracle"
	"OptionVault/internal/pool"
	"OptionVault/internal/pricing"
	"OptionVault/internal/rate"
)

const baseNow int64 = 1_700_000_000

func testParams() Params {
	return Params{
		Liquidity: fee.LiquidityParams{BaseFeeBps: 30, RatioMult: 2_000_000_000},
		Trade:     fee.TradeParams{FeeMult: 1_000_000_000, CustodyFeeBps: 10},

		Volatility:   600_000_000,
		RiskFreeRate: 50_000_000,
		MaxOracleAge: 60,

		ProtocolShareBps: 2000,
		RewardFeeBps:     100,
		ProtocolFeeBps:   500,
		CloseFeeBps:      50,

		MinPeriodDays: 1,
		MaxPeriodDays: 30,
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testParams())
	if err != nil {
		t.Fatalf("engine params: %v", err)
	}
	return e
}

func solCustody() custody.Custody {
	return custody.Custody{
		Pool:     "majors",
		Asset:    "SOL",
		Decimals: 6,
		Owned:    4_000_000, // 4 SOL = $600 at $150
		Ratio:    custody.Ratio{TargetBps: 6000, MinBps: 4000, MaxBps: 8000},
		Curve: rate.CurveParams{
			BaseRate:           10_000_000,
			Slope1:             40_000_000,
			Slope2:             500_000_000,
			OptimalUtilization: 800_000_000,
		},
		FundingMult:    100_000_000,
		UtilizationCap: 900_000_000,
		LastUpdateTime: baseNow,
	}
}

func usdcCustody() custody.Custody {
	c := solCustody()
	c.Asset = "USDC"
	c.Owned = 400_000_000 // $400
	c.Ratio = custody.Ratio{TargetBps: 4000, MinBps: 2000, MaxBps: 6000}
	return c
}

func majorsPool() pool.Pool {
	sol, usdc := solCustody(), usdcCustody()
	return pool.Pool{
		Name:      "majors",
		Custodies: []string{sol.Key(), usdc.Key()},
		AumUsd:    1_000_000_000, // $1000
		LPSupply:  1_000_000_000,
	}
}

func solPrice(ts int64) oracle.Price {
	return oracle.Price{Value: 150_000_000, Timestamp: ts}
}

func usdPrice(ts int64) oracle.Price {
	return oracle.Price{Value: 1_000_000, Timestamp: ts}
}

func testQuote(ts int64) Quote {
	return Quote{Spot: solPrice(ts), Pay: usdPrice(ts)}
}

func TestNewRejectsBadParams(t *testing.T) {
	p := testParams()
	p.Volatility = 0
	if _, err := New(p); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("zero volatility accepted: %v", err)
	}

	p = testParams()
	p.MaxPeriodDays = 0
	if _, err := New(p); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("inverted period bounds accepted: %v", err)
	}

	p = testParams()
	p.RewardFeeBps = 6000
	p.ProtocolFeeBps = 6000
	if _, err := New(p); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("fee split over 100%% accepted: %v", err)
	}
}

func TestApplyAddLiquidity(t *testing.T) {
	e := testEngine(t)
	p, c := majorsPool(), solCustody()

	amountIn := int64(1_000_000) // 1 SOL = $150
	res, err := e.ApplyAddLiquidity(p, c, "lp-alice", amountIn, solPrice(baseNow), baseNow)
	if err != nil {
		t.Fatal(err)
	}

	if res.Fee <= 0 {
		t.Errorf("fee = %d", res.Fee)
	}
	// Gross amount enters custody ownership (net deposit + retained fee)
	if res.Custody.Owned != c.Owned+amountIn {
		t.Errorf("owned = %d, want %d", res.Custody.Owned, c.Owned+amountIn)
	}
	// AUM grows by the gross USD value
	if res.Pool.AumUsd != p.AumUsd+150_000_000 {
		t.Errorf("aum = %d, want %d", res.Pool.AumUsd, p.AumUsd+150_000_000)
	}
	// Only the net contribution earns shares (supply == AUM here, so 1:1 USD)
	netUsd := (amountIn - res.Fee) * 150
	if res.LPMinted != netUsd {
		t.Errorf("minted = %d, want %d", res.LPMinted, netUsd)
	}
	if len(res.Transfers) != 1 || res.Transfers[0].Kind != "liquidity_in" || res.Transfers[0].Amount != amountIn {
		t.Errorf("transfers = %+v", res.Transfers)
	}
}

func TestAddLiquidityWorseningCostsMoreThanImproving(t *testing.T) {
	e := testEngine(t)
	p := majorsPool()

	price := oracle.Price{Value: 100_000_000, Timestamp: baseNow} // $100

	// Custody at $500 of a $1000 pool (5000 bps, below the 6000 target):
	// a deposit moves it toward target and earns the rebalancing discount
	below := solCustody()
	below.Owned = 5_000_000

	improving, err := e.ComputeLiquidityFee(p, below, 1_000_000, true, price)
	if err != nil {
		t.Fatal(err)
	}
	base := int64(1_000_000) * 30 / 10_000
	if improving >= base {
		t.Errorf("improving fee %d should be below base %d", improving, base)
	}

	// Custody at $700 (7000 bps, above target): the same deposit worsens
	above := solCustody()
	above.Owned = 7_000_000

	worsening, err := e.ComputeLiquidityFee(p, above, 1_000_000, true, price)
	if err != nil {
		t.Fatal(err)
	}
	if worsening <= base {
		t.Errorf("worsening fee %d should exceed base %d", worsening, base)
	}
}

func TestAddLiquidityRejectsStaleOracle(t *testing.T) {
	e := testEngine(t)
	p, c := majorsPool(), solCustody()

	stale := solPrice(baseNow - 61)
	if _, err := e.ApplyAddLiquidity(p, c, "lp-alice", 1_000_000, stale, baseNow); !errors.Is(err, errs.ErrStaleOracle) {
		t.Errorf("stale oracle accepted: %v", err)
	}
}

func TestAddLiquidityRejectsForeignCustody(t *testing.T) {
	e := testEngine(t)
	p := majorsPool()
	c := solCustody()
	c.Pool = "other"

	if _, err := e.ApplyAddLiquidity(p, c, "lp-alice", 1_000_000, solPrice(baseNow), baseNow); !errors.Is(err, errs.ErrUnknownRecord) {
		t.Errorf("foreign custody accepted: %v", err)
	}
}

func TestAddLiquidityRejectsRatioBreak(t *testing.T) {
	e := testEngine(t)
	p := majorsPool()
	c := solCustody()
	c.Owned = 5_400_000 // $810 of $1000 = 8100 bps, already over max

	// A further deposit moves away from the band
	if _, err := e.ApplyAddLiquidity(p, c, "lp-alice", 1_000_000, solPrice(baseNow), baseNow); !errors.Is(err, errs.ErrInvalidRatio) {
		t.Errorf("band-breaking deposit accepted: %v", err)
	}
}

func TestApplyRemoveLiquidity(t *testing.T) {
	e := testEngine(t)
	p, c := majorsPool(), solCustody()

	// Supply == AUM, so shares redeem 1:1 in USD: $150 = 1 SOL gross
	lpAmount := int64(150_000_000)
	res, err := e.ApplyRemoveLiquidity(p, c, "lp-alice", lpAmount, solPrice(baseNow), baseNow)
	if err != nil {
		t.Fatal(err)
	}

	if res.Fee <= 0 {
		t.Errorf("fee = %d", res.Fee)
	}
	if res.AssetOut != 1_000_000-res.Fee {
		t.Errorf("asset out = %d, want %d", res.AssetOut, 1_000_000-res.Fee)
	}
	if res.Pool.LPSupply != p.LPSupply-lpAmount {
		t.Errorf("supply = %d", res.Pool.LPSupply)
	}
	if res.Pool.AumUsd != p.AumUsd-150_000_000 {
		t.Errorf("aum = %d", res.Pool.AumUsd)
	}
	// Net payout left the custody; the retained fee stayed
	if res.Custody.Owned != c.Owned-res.AssetOut {
		t.Errorf("owned = %d, want %d", res.Custody.Owned, c.Owned-res.AssetOut)
	}
}

func TestRemoveLiquidityRequiresFreeBalance(t *testing.T) {
	e := testEngine(t)
	p, c := majorsPool(), solCustody()
	c.Locked = c.Owned // everything collateralizes open options

	if _, err := e.ApplyRemoveLiquidity(p, c, "lp-alice", 150_000_000, solPrice(baseNow), baseNow); !errors.Is(err, errs.ErrInsufficientLiquidity) {
		t.Errorf("withdrawal of locked funds accepted: %v", err)
	}
}

func TestReconcileAumRevaluesHoldings(t *testing.T) {
	e := testEngine(t)
	p, sol, usdc := majorsPool(), solCustody(), usdcCustody()
	custodies := map[string]custody.Custody{sol.Key(): sol, usdc.Key(): usdc}

	// Stored AUM says $1000, but SOL has dropped to $100: 4 SOL = $400
	// plus $400 of USDC is only $800 of real backing.
	prices := map[string]oracle.Price{
		"SOL":  {Value: 100_000_000, Timestamp: baseNow},
		"USDC": usdPrice(baseNow),
	}
	got, err := e.ReconcileAum(p, custodies, prices, baseNow)
	if err != nil {
		t.Fatal(err)
	}
	if got.AumUsd != 800_000_000 {
		t.Errorf("reconciled aum = %d, want 800_000_000", got.AumUsd)
	}
	// Everything else carries over untouched
	if got.LPSupply != p.LPSupply || got.Name != p.Name {
		t.Errorf("reconcile mutated pool: %+v", got)
	}
}

func TestReconcileAumRejectsBadPrices(t *testing.T) {
	e := testEngine(t)
	p, sol, usdc := majorsPool(), solCustody(), usdcCustody()
	custodies := map[string]custody.Custody{sol.Key(): sol, usdc.Key(): usdc}

	// Missing a member asset's price
	missing := map[string]oracle.Price{"SOL": solPrice(baseNow)}
	if _, err := e.ReconcileAum(p, custodies, missing, baseNow); !errors.Is(err, errs.ErrStaleOracle) {
		t.Errorf("missing USDC price accepted: %v", err)
	}

	// Price older than MaxOracleAge
	stale := map[string]oracle.Price{
		"SOL":  solPrice(baseNow - 61),
		"USDC": usdPrice(baseNow),
	}
	if _, err := e.ReconcileAum(p, custodies, stale, baseNow); !errors.Is(err, errs.ErrStaleOracle) {
		t.Errorf("stale SOL price accepted: %v", err)
	}

	// Pool referencing a custody that was never loaded
	if _, err := e.ReconcileAum(p, map[string]custody.Custody{sol.Key(): sol}, missing, baseNow); !errors.Is(err, errs.ErrUnknownRecord) {
		t.Errorf("missing custody accepted: %v", err)
	}
}

func openTestOption(t *testing.T, e *Engine) (OpenResult, custody.Custody, custody.Custody) {
	t.Helper()
	c := solCustody()
	c.Owned = 10_000_000 // 10 SOL
	payC := usdcCustody()
	payC.Owned = 1_000_000_000

	res, err := e.OpenOption(
		uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		"trader-bob", c, payC, testQuote(baseNow),
		pricing.Call, 130_000_000, 1_000_000, 7, baseNow,
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return res, c, payC
}

func TestOpenOption(t *testing.T) {
	e := testEngine(t)
	res, _, payC := openTestOption(t, e)

	pos := res.Position
	if pos.State != option.StateOpen {
		t.Errorf("state = %s", pos.State)
	}
	if pos.ExpiryTime != baseNow+7*86_400 {
		t.Errorf("expiry = %d", pos.ExpiryTime)
	}
	// Collateral locked in the underlying custody
	if res.Custody.Locked != 1_000_000 {
		t.Errorf("locked = %d", res.Custody.Locked)
	}
	if res.Custody.LongOI != 1_000_000 {
		t.Errorf("long OI = %d", res.Custody.LongOI)
	}
	// ITM call: premium at least intrinsic $20 in USDC tokens
	if res.Premium < 20_000_000 {
		t.Errorf("premium = %d, want >= 20_000_000", res.Premium)
	}
	// Premium and fee land in the pay custody
	if res.PayCustody.Owned != payC.Owned+res.Premium+res.Fee {
		t.Errorf("pay owned = %d", res.PayCustody.Owned)
	}
	if len(res.Transfers) != 1 || res.Transfers[0].Kind != "option_cost" || res.Transfers[0].Amount != res.Premium+res.Fee {
		t.Errorf("transfers = %+v", res.Transfers)
	}
}

func TestOpenOptionRejectsPeriodBounds(t *testing.T) {
	e := testEngine(t)
	c, payC := solCustody(), usdcCustody()

	for _, days := range []int64{0, 31} {
		_, err := e.OpenOption(uuid.New(), "trader-bob", c, payC, testQuote(baseNow),
			pricing.Call, 130_000_000, 1_000_000, days, baseNow)
		if !errors.Is(err, errs.ErrInvalidParams) {
			t.Errorf("period %d accepted: %v", days, err)
		}
	}
}

func TestOpenOptionRejectsSameCustody(t *testing.T) {
	e := testEngine(t)
	c := solCustody()

	_, err := e.OpenOption(uuid.New(), "trader-bob", c, c, testQuote(baseNow),
		pricing.Call, 130_000_000, 1_000_000, 7, baseNow)
	if !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("same pay/collateral custody accepted: %v", err)
	}
}

func TestOpenOptionRejectsOversizedLock(t *testing.T) {
	e := testEngine(t)
	c := solCustody()
	c.Owned = 1_000_000
	payC := usdcCustody()

	_, err := e.OpenOption(uuid.New(), "trader-bob", c, payC, testQuote(baseNow),
		pricing.Call, 130_000_000, 1_000_000, 7, baseNow) // 100% utilization > 90% cap
	if !errors.Is(err, errs.ErrInsufficientLiquidity) {
		t.Errorf("over-cap lock accepted: %v", err)
	}
}

func TestCloseOptionFull(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	closeNow := baseNow + 3600
	res, err := e.CloseOption(opened.Position, opened.Custody, opened.PayCustody, testQuote(closeNow), closeNow)
	if err != nil {
		t.Fatal(err)
	}

	if res.Position.State != option.StateClosed {
		t.Errorf("state = %s", res.Position.State)
	}
	if res.Custody.Locked != 0 {
		t.Errorf("locked = %d after close", res.Custody.Locked)
	}
	if res.Custody.LongOI != 0 {
		t.Errorf("long OI = %d after close", res.Custody.LongOI)
	}
	// ITM with a week left: residual value stays positive after fees
	if res.Payout <= 0 {
		t.Errorf("payout = %d", res.Payout)
	}
	// Close realizes less than the opener paid in premium terms minus fees
	if res.Payout > opened.Premium {
		t.Errorf("payout %d exceeds premium paid %d within the hour", res.Payout, opened.Premium)
	}
	if len(res.Transfers) != 1 || res.Transfers[0].Kind != "payout" {
		t.Errorf("transfers = %+v", res.Transfers)
	}
}

func TestPartialCloseLeavesRemainder(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	closeNow := baseNow + 3600
	res, err := e.PartialClose(opened.Position, opened.Custody, opened.PayCustody, testQuote(closeNow), 2500, closeNow)
	if err != nil {
		t.Fatal(err)
	}

	if res.Position.State != option.StateOpen {
		t.Errorf("state = %s, want Open", res.Position.State)
	}
	if res.Position.Amount != 750_000 {
		t.Errorf("amount = %d, want 750_000", res.Position.Amount)
	}
	if res.Custody.Locked != 750_000 {
		t.Errorf("locked = %d, want 750_000", res.Custody.Locked)
	}
	if res.Custody.LongOI != 750_000 {
		t.Errorf("long OI = %d, want 750_000", res.Custody.LongOI)
	}
}

func TestPartialCloseFullSizeTerminates(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	closeNow := baseNow + 3600
	res, err := e.PartialClose(opened.Position, opened.Custody, opened.PayCustody, testQuote(closeNow), 10_000, closeNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.State != option.StateClosed {
		t.Errorf("100%% partial close left state %s", res.Position.State)
	}
}

func TestCloseRejectsExpired(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	lateNow := opened.Position.ExpiryTime + 1
	_, err := e.CloseOption(opened.Position, opened.Custody, opened.PayCustody, testQuote(lateNow), lateNow)
	if !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("close past expiry accepted: %v", err)
	}
}

func TestExerciseOption(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	// Exercise at the open instant: no rate accrual, profit is pure intrinsic.
	// Spot 150, strike 130, 1.0 contract: $20 gross
	res, err := e.ExerciseOption(opened.Position, opened.Custody, testQuote(baseNow), baseNow, "keeper-1")
	if err != nil {
		t.Fatal(err)
	}

	if res.Position.State != option.StateExercised {
		t.Errorf("state = %s", res.Position.State)
	}
	if res.Position.SettledProfit != 20_000_000 {
		t.Errorf("settled profit = %d, want 20_000_000", res.Position.SettledProfit)
	}
	// 1% reward + 5% protocol out of $20
	if res.Split.RewardAmount != 200_000 || res.Split.ProtocolFee != 1_000_000 || res.Split.UserAmount != 18_800_000 {
		t.Errorf("split = %+v", res.Split)
	}
	if res.Custody.Locked != 0 {
		t.Errorf("locked = %d after exercise", res.Custody.Locked)
	}
	if res.Custody.LongOI != 0 {
		t.Errorf("long OI = %d after exercise", res.Custody.LongOI)
	}
	if len(res.Transfers) != 2 {
		t.Fatalf("transfers = %+v", res.Transfers)
	}
	if res.Transfers[0].Kind != "payout" || res.Transfers[1].Kind != "reward" {
		t.Errorf("transfer kinds = %s, %s", res.Transfers[0].Kind, res.Transfers[1].Kind)
	}
	if res.Transfers[1].To != "keeper-1" {
		t.Errorf("reward recipient = %s", res.Transfers[1].To)
	}
}

func TestExerciseRejectsOutOfTheMoney(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	otm := Quote{
		Spot: oracle.Price{Value: 120_000_000, Timestamp: baseNow},
		Pay:  usdPrice(baseNow),
	}
	if _, err := e.ExerciseOption(opened.Position, opened.Custody, otm, baseNow, "keeper-1"); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("OTM exercise accepted: %v", err)
	}
}

func TestExerciseProfitClampedToCollateral(t *testing.T) {
	e := testEngine(t)

	c := solCustody()
	c.Owned = 10_000_000
	c.Locked = 1_000_000
	c.ShortOI = 1_000_000

	// Deep ITM put: strike $400 vs spot $150 would pay $250/contract, but
	// the locked collateral is only worth $150/contract
	pos := option.Position{
		ID:               uuid.New(),
		Owner:            "trader-bob",
		Pool:             "majors",
		Custody:          c.Key(),
		PayCustody:       usdcCustody().Key(),
		Direction:        pricing.Put,
		StrikePrice:      400_000_000,
		Amount:           1_000_000,
		OpenTime:         baseNow,
		ExpiryTime:       baseNow + 7*86_400,
		State:            option.StateOpen,
		CumBorrowAtOpen:  c.CumBorrowRate,
		CumFundingAtOpen: c.CumFundingRate,
	}

	res, err := e.ExerciseOption(pos, c, testQuote(baseNow), baseNow, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.SettledProfit != 150_000_000 {
		t.Errorf("profit = %d, want clamp to collateral 150_000_000", res.Position.SettledProfit)
	}
	// No reward transfer for an anonymous trigger
	for _, tr := range res.Transfers {
		if tr.Kind == "reward" {
			t.Errorf("reward paid with empty caller: %+v", tr)
		}
	}
}

func TestExerciseUsesConservativePrice(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	// TWAP below spot: profit computed off the lower TWAP
	q := Quote{
		Spot: oracle.Price{Value: 150_000_000, Timestamp: baseNow},
		Twap: oracle.Price{Value: 140_000_000, Timestamp: baseNow},
		Pay:  usdPrice(baseNow),
	}
	res, err := e.ExerciseOption(opened.Position, opened.Custody, q, baseNow, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.SettledProfit != 10_000_000 {
		t.Errorf("profit = %d, want 10_000_000 off the TWAP", res.Position.SettledProfit)
	}
}

func TestExpireOption(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	lateNow := opened.Position.ExpiryTime
	res, err := e.ExpireOption(opened.Position, opened.Custody, lateNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.State != option.StateExpired {
		t.Errorf("state = %s", res.Position.State)
	}
	if res.Custody.Locked != 0 || res.Custody.LongOI != 0 {
		t.Errorf("collateral not released: locked=%d oi=%d", res.Custody.Locked, res.Custody.LongOI)
	}
}

func TestExpireRejectsEarly(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	if _, err := e.ExpireOption(opened.Position, opened.Custody, opened.Position.ExpiryTime-1); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("early expiry accepted: %v", err)
	}
}

func TestExpireRejectsDoubleSettlement(t *testing.T) {
	e := testEngine(t)
	opened, _, _ := openTestOption(t, e)

	lateNow := opened.Position.ExpiryTime
	res, err := e.ExpireOption(opened.Position, opened.Custody, lateNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ExpireOption(res.Position, res.Custody, lateNow); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("double expiry accepted: %v", err)
	}
}

package model

import "strings"

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) String() string { return string(s) }
func (s OrderSide) Valid() bool    { return s == SideBuy || s == SideSell }

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

func (t OrderType) String() string { return string(t) }
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStop:
		return true
	default:
		return false
	}
}

// ProposedAction is the Strategist's per-ticker call.
type ProposedAction string

const (
	ActionBuy  ProposedAction = "BUY"
	ActionSell ProposedAction = "SELL"
	ActionHold ProposedAction = "HOLD"
)

func (a ProposedAction) String() string { return string(a) }
func (a ProposedAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	default:
		return false
	}
}

// SessionType identifies which market session a run belongs to.
type SessionType string

const (
	SessionOpen  SessionType = "OPEN"
	SessionClose SessionType = "CLOSE"
)

func (t SessionType) String() string { return string(t) }
func (t SessionType) Valid() bool    { return t == SessionOpen || t == SessionClose }

// ParseSessionType accepts any casing and surrounding whitespace.
func ParseSessionType(s string) (SessionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return SessionOpen, true
	case "CLOSE":
		return SessionClose, true
	default:
		return "", false
	}
}

// CallType labels an audited LLM invocation.
type CallType string

const (
	CallStrategist CallType = "strategist"
	CallRiskGuard  CallType = "risk_guard"
	CallRepair     CallType = "repair"
)

// RunState is the lifecycle state of one competitor's run for one session.
type RunState string

const (
	StatePending        RunState = "PENDING"
	StateDataFetched    RunState = "DATA_FETCHED"
	StateStrategistDone RunState = "STRATEGIST_DONE"
	StateRiskDone       RunState = "RISK_DONE"
	StateExecuted       RunState = "EXECUTED"
	StateRecorded       RunState = "RECORDED"
	StateFailed         RunState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool { return s == StateRecorded || s == StateFailed }

// Stage names the pipeline step a failed run was in.
type Stage string

const (
	StageData        Stage = "DATA"
	StageStrategist  Stage = "STRATEGIST"
	StageRiskGuard   Stage = "RISK_GUARD"
	StageExecution   Stage = "EXECUTION"
	StagePersistence Stage = "PERSISTENCE"
)

// MarketType selects calendar and data-source behaviour for a ticker universe.
type MarketType string

const (
	MarketUSEquity MarketType = "us_equity"
	MarketSGEquity MarketType = "sg_equity"
	MarketCrypto   MarketType = "crypto"
)

func (m MarketType) Valid() bool {
	return m == MarketUSEquity || m == MarketSGEquity || m == MarketCrypto
}

// IsEquity reports whether m trades on an exchange calendar.
func (m MarketType) IsEquity() bool { return m == MarketUSEquity || m == MarketSGEquity }

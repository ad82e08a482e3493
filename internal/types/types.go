package types

import (
	"time"
)

// Tick is a single broker-delivered quote for one market at one epoch.
// Identity is (Market, Epoch); a tick is immutable once emitted.
type Tick struct {
	Market     string  `json:"market"`
	Epoch      int64   `json:"epoch"`
	Quote      float64 `json:"quote"`
	Bid        float64 `json:"bid,omitempty"`
	Ask        float64 `json:"ask,omitempty"`
	Spread     float64 `json:"spread,omitempty"`
	Volatility float64 `json:"volatility,omitempty"`
}

// Time returns the tick epoch as a time.Time.
func (t Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0).UTC()
}

// SignalType is the direction of a candidate trade.
type SignalType string

const (
	SignalCall SignalType = "CALL"
	SignalPut  SignalType = "PUT"
)

// ContractDuration is a broker contract duration (value + unit, e.g. 5 "m").
type ContractDuration struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

// MACDValue holds the MACD line, its signal line and the histogram.
type MACDValue struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerValue holds the Bollinger band levels and relative width.
type BollingerValue struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`
}

// StochasticValue holds the stochastic oscillator %K and %D lines.
type StochasticValue struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// IndicatorSnapshot is a point-in-time copy of all derived indicators for
// one market. It travels on signals as metadata and is never mutated.
type IndicatorSnapshot struct {
	RSI        float64         `json:"rsi"`
	FastEMA    float64         `json:"fast_ema"`
	SlowEMA    float64         `json:"slow_ema"`
	MACD       MACDValue       `json:"macd"`
	Bollinger  BollingerValue  `json:"bollinger"`
	ATR        float64         `json:"atr"`
	ADX        float64         `json:"adx"`
	Stochastic StochasticValue `json:"stochastic"`
	Momentum   float64         `json:"momentum"`
	Volatility float64         `json:"volatility"`
}

// Signal is a candidate trade intent produced by the signal engine.
type Signal struct {
	Type       SignalType         `json:"type"`
	Market     string             `json:"market"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	Timestamp  time.Time          `json:"timestamp"`
	Duration   *ContractDuration  `json:"duration,omitempty"`
	StakeMult  float64            `json:"stake_multiplier,omitempty"`
	Indicators *IndicatorSnapshot `json:"indicators,omitempty"`
	MemoryID   string             `json:"memory_id,omitempty"`

	// Extra carries heterogeneous metadata the core never interprets.
	Extra map[string]any `json:"extra,omitempty"`
}

// RiskProfileName selects one of the configured risk profiles.
type RiskProfileName string

const (
	RiskProfileLow    RiskProfileName = "LOW"
	RiskProfileMedium RiskProfileName = "MEDIUM"
	RiskProfileHigh   RiskProfileName = "HIGH"
)

// SessionConfig is the shared trading configuration of one session.
// Immutable except IsPaused and CurrentPnL.
type SessionConfig struct {
	RiskProfile         RiskProfileName `json:"risk_profile"`
	MaxStake            float64         `json:"max_stake"`
	MinConfidence       float64         `json:"min_confidence"`
	AllowedMarkets      []string        `json:"allowed_markets"`
	GlobalLossThreshold float64         `json:"global_loss_threshold"`
	MaxParticipants     int             `json:"max_participants"`
	IsPaused            bool            `json:"is_paused"`
	CurrentPnL          float64         `json:"current_pnl"`
}

// AllowsMarket reports whether the session trades the given market.
// An empty allow-list means every market is allowed.
func (c SessionConfig) AllowsMarket(market string) bool {
	if len(c.AllowedMarkets) == 0 {
		return true
	}
	for _, m := range c.AllowedMarkets {
		if m == market {
			return true
		}
	}
	return false
}

// UserRiskState tracks one user's running risk exposure. Mutated only by
// settlement outcomes.
type UserRiskState struct {
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDailyLoss        float64 `json:"max_daily_loss"`
	MaxTradesPerSession int     `json:"max_trades_per_session"`
	CurrentDrawdown     float64 `json:"current_drawdown"`
	CurrentDailyLoss    float64 `json:"current_daily_loss"`
	TradesToday         int     `json:"trades_today"`
	IsOptedOut          bool    `json:"is_opted_out"`
}

// RiskResult is the outcome of a risk evaluation.
type RiskResult string

const (
	RiskApproved RiskResult = "APPROVED"
	RiskRejected RiskResult = "REJECTED"
)

// RejectReason identifies which admission rule rejected a signal.
type RejectReason string

const (
	ReasonUserOptedOut          RejectReason = "USER_OPTED_OUT"
	ReasonUserMaxDrawdown       RejectReason = "USER_MAX_DRAWDOWN_REACHED"
	ReasonUserDailyLossLimit    RejectReason = "USER_DAILY_LOSS_LIMIT"
	ReasonUserMaxTrades         RejectReason = "USER_MAX_TRADES_REACHED"
	ReasonSessionPaused         RejectReason = "SESSION_PAUSED"
	ReasonSessionLossThreshold  RejectReason = "SESSION_LOSS_THRESHOLD"
	ReasonMarketNotAllowed      RejectReason = "MARKET_NOT_ALLOWED"
	ReasonMinConfidenceNotMet   RejectReason = "MIN_CONFIDENCE_NOT_MET"
	ReasonSessionMaxStake       RejectReason = "SESSION_MAX_STAKE_EXCEEDED"
)

// RiskCheck is the risk guard's decision for one (signal, participant) pair.
type RiskCheck struct {
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id"`
	Result    RiskResult   `json:"result"`
	Reason    RejectReason `json:"reason,omitempty"`
	Signal    Signal       `json:"proposed_trade"`
	Stake     float64      `json:"stake"`
	MemoryID  string       `json:"memory_id,omitempty"`
}

// Approved reports whether the check passed every admission rule.
func (rc RiskCheck) Approved() bool {
	return rc.Result == RiskApproved
}

// TradeStatus is the lifecycle status of an executed trade.
type TradeStatus string

const (
	TradeSubmitted TradeStatus = "SUBMITTED"
	TradeWon       TradeStatus = "WON"
	TradeLost      TradeStatus = "LOST"
	TradeFailed    TradeStatus = "FAILED"
)

// TradeResult is the execution core's record of one trade attempt.
type TradeResult struct {
	TradeID        string      `json:"trade_id"`
	UserID         string      `json:"user_id"`
	SessionID      string      `json:"session_id"`
	Status         TradeStatus `json:"status"`
	PnL            float64     `json:"pnl"`
	ExecutedAt     time.Time   `json:"executed_at"`
	SettledAt      *time.Time  `json:"settled_at,omitempty"`
	Market         string      `json:"market"`
	EntryPrice     float64     `json:"entry_price"`
	ContractID     string      `json:"contract_id,omitempty"`
	BrokerRef      string      `json:"broker_ref,omitempty"`
	RiskConfidence float64     `json:"risk_confidence"`
	Reason         string      `json:"reason,omitempty"`
}

// SessionStatus is the lifecycle status of a trading session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionRunning   SessionStatus = "RUNNING"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// ParticipantStatus is the enrollment status of a session participant.
type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "PENDING"
	ParticipantActive   ParticipantStatus = "ACTIVE"
	ParticipantFailed   ParticipantStatus = "FAILED"
	ParticipantRemoved  ParticipantStatus = "REMOVED"
	ParticipantOptedOut ParticipantStatus = "OPTED_OUT"
)

// Participant is one user enrolled in a session.
type Participant struct {
	UserID   string            `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	PnL      float64           `json:"pnl"`
	JoinedAt time.Time         `json:"joined_at"`
}

// Session is a scoped multi-participant trading context. The registry owns
// the canonical value; everything handed out is a deep snapshot.
type Session struct {
	ID           string                 `json:"id"`
	Status       SessionStatus          `json:"status"`
	Config       SessionConfig          `json:"config"`
	AdminID      string                 `json:"admin_id"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Participants map[string]Participant `json:"participants"`

	// ParticipantOrder preserves insertion order for deterministic fan-out.
	ParticipantOrder []string `json:"participant_order"`
}

// Clone returns a deep copy of the session. The participant map and order
// slice are copied; config is copied by value.
func (s Session) Clone() Session {
	out := s
	out.Participants = make(map[string]Participant, len(s.Participants))
	for id, p := range s.Participants {
		out.Participants[id] = p
	}
	out.ParticipantOrder = append([]string(nil), s.ParticipantOrder...)
	out.Config.AllowedMarkets = append([]string(nil), s.Config.AllowedMarkets...)
	return out
}

// OrderedParticipants returns participants in insertion order, skipping
// removed tombstones.
func (s Session) OrderedParticipants() []Participant {
	out := make([]Participant, 0, len(s.ParticipantOrder))
	for _, id := range s.ParticipantOrder {
		p, ok := s.Participants[id]
		if !ok || p.Status == ParticipantRemoved {
			continue
		}
		out = append(out, p)
	}
	return out
}

// BrokerAccount identifies a user's linked broker account.
type BrokerAccount struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
}

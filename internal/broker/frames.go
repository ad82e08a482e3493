package broker

import "encoding/json"

// Outbound request frames. The broker speaks text JSON; every request
// carries a req_id used to correlate the reply.

type authorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id"`
}

type ticksRequest struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe"`
	ReqID     int64  `json:"req_id"`
}

type forgetRequest struct {
	Forget string `json:"forget"`
	ReqID  int64  `json:"req_id"`
}

type proposalRequest struct {
	Proposal     int     `json:"proposal"`
	Amount       float64 `json:"amount"`
	Basis        string  `json:"basis"`
	ContractType string  `json:"contract_type"`
	Currency     string  `json:"currency"`
	Duration     int     `json:"duration"`
	DurationUnit string  `json:"duration_unit"`
	Symbol       string  `json:"symbol"`
	ReqID        int64   `json:"req_id"`
}

type buyRequest struct {
	Buy   string  `json:"buy"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id"`
}

type sellRequest struct {
	Sell  string  `json:"sell"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id"`
}

type cancelRequest struct {
	Cancel string `json:"cancel"`
	ReqID  int64  `json:"req_id"`
}

type openContractRequest struct {
	ProposalOpenContract int    `json:"proposal_open_contract"`
	ContractID           string `json:"contract_id"`
	Subscribe            int    `json:"subscribe"`
	ReqID                int64  `json:"req_id"`
}

type pingRequest struct {
	Ping  int   `json:"ping"`
	ReqID int64 `json:"req_id"`
}

// frame is the generic inbound message. Streamed frames (tick, pong,
// proposal_open_contract) are routed by msg_type; replies by req_id.
type frame struct {
	MsgType              string             `json:"msg_type"`
	ReqID                int64              `json:"req_id"`
	Error                *errorBody         `json:"error"`
	Tick                 *tickBody          `json:"tick"`
	Subscription         *subscriptionBody  `json:"subscription"`
	Authorize            json.RawMessage    `json:"authorize"`
	Proposal             *proposalBody      `json:"proposal"`
	Buy                  *buyBody           `json:"buy"`
	Sell                 *sellBody          `json:"sell"`
	ProposalOpenContract *openContractBody  `json:"proposal_open_contract"`
	EchoReq              json.RawMessage    `json:"echo_req"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tickBody struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Epoch  int64   `json:"epoch"`
}

type subscriptionBody struct {
	ID string `json:"id"`
}

type proposalBody struct {
	ID       string  `json:"id"`
	AskPrice float64 `json:"ask_price"`
	Payout   float64 `json:"payout"`
	Longcode string  `json:"longcode"`
}

type buyBody struct {
	ContractID    string  `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	TransactionID int64   `json:"transaction_id"`
	StartTime     int64   `json:"start_time"`
	Longcode      string  `json:"longcode"`
}

type sellBody struct {
	SoldFor       float64 `json:"sold_for"`
	TransactionID int64   `json:"transaction_id"`
}

type openContractBody struct {
	ContractID string  `json:"contract_id"`
	IsSold     int     `json:"is_sold"`
	Profit     float64 `json:"profit"`
	SellPrice  float64 `json:"sell_price"`
	Status     string  `json:"status"`
}

// Proposal is the broker's quote for a prospective contract.
type Proposal struct {
	ID       string
	AskPrice float64
	Payout   float64
	Longcode string
}

// BuyResult is the broker's confirmation of an executed buy.
type BuyResult struct {
	ContractID    string
	BuyPrice      float64
	TransactionID int64
	StartTime     int64
	Longcode      string
}

// Settlement is the broker's terminal report for a contract.
type Settlement struct {
	ContractID string
	Outcome    SettlementOutcome
	PnL        float64
	SellPrice  float64
}

// SettlementOutcome is the terminal result of a contract.
type SettlementOutcome string

const (
	OutcomeWin  SettlementOutcome = "win"
	OutcomeLoss SettlementOutcome = "loss"
)

// ProposeParams describes the contract to quote.
type ProposeParams struct {
	Market       string
	ContractType string // "CALL" or "PUT"
	Stake        float64
	Currency     string
	Duration     int
	DurationUnit string
}

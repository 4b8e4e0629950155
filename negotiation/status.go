package negotiation

// Status is the lifecycle of a negotiation.
type Status string

const (
	StatusInitiated        Status = "INITIATED"
	StatusCountering       Status = "COUNTERING"
	StatusAgreed           Status = "AGREED"
	StatusContractDrafting Status = "CONTRACT_DRAFTING"
	StatusContractSigned   Status = "CONTRACT_SIGNED"
	StatusEscrowFunded     Status = "ESCROW_FUNDED"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusExpired          Status = "EXPIRED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Action names a state-machine operation.
type Action string

const (
	ActionInitiate       Action = "initiate"
	ActionCounter        Action = "counter"
	ActionAccept         Action = "accept"
	ActionSign           Action = "sign"
	ActionFund           Action = "fund"
	ActionRelease        Action = "release"
	ActionRefund         Action = "refund"
	ActionCancel         Action = "cancel"
	ActionExpire         Action = "expire"
	ActionRevise         Action = "revise"
	ActionComment        Action = "comment"
	ActionOpenDispute    Action = "open_dispute"
	ActionResolveDispute Action = "resolve_dispute"
	ActionRead           Action = "read"
)

var nonTerminal = []Status{
	StatusInitiated, StatusCountering, StatusAgreed, StatusContractDrafting,
	StatusContractSigned, StatusEscrowFunded,
}

// legalSources lists, per action, the statuses it may start from. Actions
// missing from the table are legal in every status.
var legalSources = map[Action][]Status{
	ActionCounter: nonTerminal,
	ActionAccept:  {StatusInitiated, StatusCountering},
	ActionFund:    {StatusContractDrafting, StatusContractSigned, StatusAgreed, StatusEscrowFunded},
	ActionRelease: {StatusEscrowFunded, StatusContractSigned},
	ActionRefund:  {StatusContractDrafting, StatusContractSigned, StatusEscrowFunded, StatusCancelled},
	ActionCancel:  nonTerminal,
	ActionExpire:  nonTerminal,
	ActionRevise:  nonTerminal,
	ActionOpenDispute: {
		StatusAgreed, StatusContractDrafting, StatusContractSigned, StatusEscrowFunded, StatusCompleted,
	},
}

// transitions is the authoritative status graph.
var transitions = map[Status][]Status{
	StatusInitiated:        {StatusCountering, StatusAgreed, StatusCancelled, StatusExpired},
	StatusCountering:       {StatusAgreed, StatusCancelled, StatusExpired},
	StatusAgreed:           {StatusContractDrafting, StatusContractSigned, StatusEscrowFunded, StatusCancelled, StatusExpired},
	StatusContractDrafting: {StatusContractSigned, StatusEscrowFunded, StatusCancelled, StatusExpired},
	StatusContractSigned:   {StatusEscrowFunded, StatusCompleted, StatusCancelled, StatusExpired},
	StatusEscrowFunded:     {StatusCompleted, StatusCancelled, StatusExpired},
	StatusCompleted:        {},
	StatusCancelled:        {},
	StatusExpired:          {},
}

// CanPerform reports whether action may run while the negotiation is in s.
func CanPerform(action Action, s Status) bool {
	sources, ok := legalSources[action]
	if !ok {
		return true
	}
	for _, candidate := range sources {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

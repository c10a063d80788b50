package flow

import (
	"fmt"
	"slices"
)

// Phase is the position of an attempt in the authorization code flow.
type Phase int

const (
	// Initiated is the phase of a new attempt, before the user is sent to the provider.
	Initiated Phase = iota
	// Redirected means the user was sent to the provider authorize endpoint.
	Redirected
	// MessageReceived means the provider answered on the callback path.
	MessageReceived
	// TokenExchanged means the code was exchanged and the ID token validated.
	TokenExchanged
	// Denied means the flow was refused by an event hook. It is terminal.
	Denied
	// ProviderError means the provider reported an error in its answer.
	ProviderError
	// TicketReceiving means the external principal is being built.
	TicketReceiving
	// Completed means the external principal was established. It is terminal.
	Completed
	// Failed is the terminal phase of every failure.
	Failed
)

var phaseNames = map[Phase]string{
	Initiated:       "Initiated",
	Redirected:      "Redirected",
	MessageReceived: "MessageReceived",
	TokenExchanged:  "TokenExchanged",
	Denied:          "Denied",
	ProviderError:   "ProviderError",
	TicketReceiving: "TicketReceiving",
	Completed:       "Completed",
	Failed:          "Failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// transitions lists the legal next phases of each phase. Terminal phases have none.
var transitions = map[Phase][]Phase{
	Initiated:       {Redirected, Denied, Failed},
	Redirected:      {MessageReceived, Denied, Failed},
	MessageReceived: {TokenExchanged, Denied, ProviderError, Failed},
	TokenExchanged:  {TicketReceiving, Denied, Failed},
	ProviderError:   {Failed},
	TicketReceiving: {Completed, Denied, Failed},
}

// Terminal returns true if no transition leaves p.
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}

// CanTransition returns true if the flow can move from one phase to the other.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

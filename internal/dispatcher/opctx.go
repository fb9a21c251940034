package dispatcher

// Operation-context tokens. Menu names (menu.MainMenu and friends) and queue
// names (menu.HomeQueue and friends) are tokens too.
const (
	AgentJoining                     = "AgentJoining"
	SupervisorJoining                = "SupervisorJoining"
	AccountIDValidation              = "AccountIdValidation"
	AiPairing                        = "AiPairing"
	EndCall                          = "EndCall"
	ScheduledCallbackAccepted        = "ScheduledCallbackAccepted"
	ScheduledCallbackRejected        = "ScheduledCallbackRejected"
	ScheduledCallbackDialoutAccepted = "ScheduledCallbackDialoutAccepted"
	ScheduledCallbackDialoutRejected = "ScheduledCallbackDialoutRejected"
	Escalation                       = "Escalation"
	Transfer                         = "Transfer"
	HoldCall                         = "HoldCall"
	WaitingForAgent                  = "WaitingForAgent"
)

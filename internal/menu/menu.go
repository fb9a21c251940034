// Package menu is the declarative IVR menu table: prompts, the options each
// menu accepts by tone, label or phrase, and what each option does.
package menu

import (
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/ivr-mqtt/internal/event"
)

// Menu names double as the operation context of the recognizer that runs
// them.
const (
	MainMenu                           = "MainMenu"
	ScheduledCallbackOffer             = "ScheduledCallbackOffer"
	ScheduledCallbackTimeSelectionMenu = "ScheduledCallbackTimeSelectionMenu"
	ScheduledCallbackDialout           = "ScheduledCallbackDialout"
)

// Queue is an agent queue. Its name is also the operation context of the
// prompt played before the caller is connected.
type Queue string

const (
	HomeQueue    Queue = "HomeQueue"
	MobileQueue  Queue = "MobileQueue"
	TvQueue      Queue = "TvQueue"
	DefaultQueue Queue = "DefaultQueue"
)

// Queues lists every queue.
var Queues = []Queue{HomeQueue, MobileQueue, TvQueue, DefaultQueue}

// ParseQueue reports whether token names a queue.
func ParseQueue(token string) (Queue, bool) {
	for _, q := range Queues {
		if string(q) == token {
			return q, true
		}
	}
	return "", false
}

// Classification is the short tag stored for the call.
func (q Queue) Classification() string {
	switch q {
	case HomeQueue:
		return "home"
	case MobileQueue:
		return "mobile"
	case TvQueue:
		return "tv"
	default:
		return "general"
	}
}

// QueueForClassification is the inverse of Queue.Classification. Unknown
// tags map to DefaultQueue.
func QueueForClassification(c string) Queue {
	for _, q := range Queues {
		if q.Classification() == c {
			return q
		}
	}
	return DefaultQueue
}

// ActionKind is what choosing an option does.
type ActionKind string

const (
	ActionQueue          ActionKind = "queue"
	ActionCallbackYes    ActionKind = "callback-yes"
	ActionCallbackNo     ActionKind = "callback-no"
	ActionCallbackWindow ActionKind = "callback-window"
	ActionDialoutAccept  ActionKind = "dialout-accept"
	ActionDialoutDecline ActionKind = "dialout-decline"
)

type Action struct {
	Kind  ActionKind
	Queue Queue

	// Window indexes Definition.Windows for ActionCallbackWindow.
	Window int
}

// Option is one accepted answer.
type Option struct {
	Label   string
	Phrases []string
	Tone    event.Tone
	Action  Action
}

// Menu is a prompt and the options it accepts.
type Menu struct {
	Name    string
	Prompt  string
	Options []Option
}

// ByTone finds the option bound to tone.
func (m *Menu) ByTone(tone event.Tone) (Option, bool) {
	for _, o := range m.Options {
		if o.Tone == tone {
			return o, true
		}
	}
	return Option{}, false
}

// ByLabel finds an option by its label, ignoring case.
func (m *Menu) ByLabel(label string) (Option, bool) {
	for _, o := range m.Options {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return Option{}, false
}

// MatchPhrase finds the option whose phrase appears earliest in text. Matching
// is case-insensitive and on whole words.
func (m *Menu) MatchPhrase(text string) (Option, bool) {
	padded := " " + normalize(text) + " "
	best, bestAt := Option{}, -1
	for _, o := range m.Options {
		for _, p := range o.Phrases {
			p = normalize(p)
			if p == "" {
				continue
			}
			at := strings.Index(padded, " "+p+" ")
			if at >= 0 && (bestAt < 0 || at < bestAt) {
				best, bestAt = o, at
			}
		}
	}
	return best, bestAt >= 0
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Prompts holds the fixed texts played outside menus.
type Prompts struct {
	InvalidOption      string
	NoInput            string
	AccountID          string
	QueueTransfer      string // %s is the queue's team name
	EstimatedWait      string // %d is whole minutes
	CallbackAccepted   string // %s is the callback time
	DialoutRejected    string
	HoldMusicFallback  string
	Escalation         string
	TransferFailed     string
	Goodbye            string
	AgentUnavailable   string
	CallbackWindowItem string // %s is the tone digit, %s the window
}

// Definition is the whole menu table.
type Definition struct {
	Main                  Menu
	CallbackOffer         Menu
	CallbackTimeSelection Menu
	Dialout               Menu
	Prompts               Prompts

	// Windows are the callback delays offered in the time-selection menu.
	Windows []time.Duration
}

// Default returns the stock menus with the given callback windows.
func Default(windows []time.Duration) *Definition {
	if len(windows) == 0 {
		windows = []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour}
	}
	d := &Definition{
		Main: Menu{
			Name: MainMenu,
			Prompt: "Welcome. For home broadband, press one or say home. " +
				"For mobile, press two or say mobile. For TV, press three or say TV. " +
				"To speak to an agent, press zero or say agent.",
			Options: []Option{
				{Label: string(HomeQueue), Tone: event.ToneOne, Phrases: []string{"home", "broadband", "internet", "wifi"}, Action: Action{Kind: ActionQueue, Queue: HomeQueue}},
				{Label: string(MobileQueue), Tone: event.ToneTwo, Phrases: []string{"mobile", "phone", "sim"}, Action: Action{Kind: ActionQueue, Queue: MobileQueue}},
				{Label: string(TvQueue), Tone: event.ToneThree, Phrases: []string{"tv", "television", "channels"}, Action: Action{Kind: ActionQueue, Queue: TvQueue}},
				{Label: string(DefaultQueue), Tone: event.ToneZero, Phrases: []string{"agent", "operator", "someone"}, Action: Action{Kind: ActionQueue, Queue: DefaultQueue}},
			},
		},
		CallbackOffer: Menu{
			Name:   ScheduledCallbackOffer,
			Prompt: "All our agents are busy. Press one to book a callback instead, or press two to keep waiting.",
			Options: []Option{
				{Label: "Yes", Tone: event.ToneOne, Phrases: []string{"yes", "callback"}, Action: Action{Kind: ActionCallbackYes}},
				{Label: "No", Tone: event.ToneTwo, Phrases: []string{"no", "wait"}, Action: Action{Kind: ActionCallbackNo}},
			},
		},
		CallbackTimeSelection: Menu{Name: ScheduledCallbackTimeSelectionMenu},
		Dialout: Menu{
			Name:   ScheduledCallbackDialout,
			Prompt: "This is your scheduled callback. Press one to speak to an agent now, or press two to cancel.",
			Options: []Option{
				{Label: "Accept", Tone: event.ToneOne, Phrases: []string{"yes", "accept"}, Action: Action{Kind: ActionDialoutAccept}},
				{Label: "Decline", Tone: event.ToneTwo, Phrases: []string{"no", "cancel"}, Action: Action{Kind: ActionDialoutDecline}},
			},
		},
		Prompts: Prompts{
			InvalidOption:      "Sorry, that was not a valid option.",
			NoInput:            "Sorry, we did not hear anything.",
			AccountID:          "Please enter your account number followed by the hash key.",
			QueueTransfer:      "Thank you. Connecting you to our %s team.",
			EstimatedWait:      "Your estimated wait is %d minutes.",
			CallbackAccepted:   "Thank you. We will call you back %s. Goodbye.",
			DialoutRejected:    "No problem, your callback has been cancelled. Goodbye.",
			HoldMusicFallback:  "Please hold.",
			Escalation:         "Please hold while I bring in a supervisor.",
			TransferFailed:     "Sorry, we could not transfer your call. Connecting you to an agent.",
			Goodbye:            "Thank you for calling. Goodbye.",
			AgentUnavailable:   "Sorry, no agent is available right now.",
			CallbackWindowItem: "Press %s for a callback %s.",
		},
		Windows: windows,
	}
	d.buildTimeSelection()
	return d
}

var windowTones = []event.Tone{
	event.ToneOne, event.ToneTwo, event.ToneThree, event.ToneFour, event.ToneFive,
	event.ToneSix, event.ToneSeven, event.ToneEight, event.ToneNine,
}

func (d *Definition) buildTimeSelection() {
	var prompt []string
	var opts []Option
	for i, w := range d.Windows {
		if i >= len(windowTones) {
			break
		}
		tone := windowTones[i]
		digit, _ := tone.Digit()
		prompt = append(prompt, fmt.Sprintf(d.Prompts.CallbackWindowItem, string(digit), DescribeWindow(w)))
		opts = append(opts, Option{
			Label:   fmt.Sprintf("Window%d", i+1),
			Tone:    tone,
			Phrases: []string{DescribeWindow(w)},
			Action:  Action{Kind: ActionCallbackWindow, Window: i},
		})
	}
	d.CallbackTimeSelection.Prompt = strings.Join(prompt, " ")
	d.CallbackTimeSelection.Options = opts
}

// DescribeWindow renders a callback delay for speech.
func DescribeWindow(w time.Duration) string {
	switch {
	case w < time.Hour:
		return fmt.Sprintf("in %d minutes", int(w/time.Minute))
	case w == time.Hour:
		return "in one hour"
	default:
		return fmt.Sprintf("in %d hours", int(w/time.Hour))
	}
}

// Menu returns the menu run under the operation-context token name.
func (d *Definition) Menu(name string) (*Menu, bool) {
	switch name {
	case MainMenu:
		return &d.Main, true
	case ScheduledCallbackOffer:
		return &d.CallbackOffer, true
	case ScheduledCallbackTimeSelectionMenu:
		return &d.CallbackTimeSelection, true
	case ScheduledCallbackDialout:
		return &d.Dialout, true
	}
	return nil, false
}

// SetPhrases replaces the phrases of labeled options. Overrides are keyed by
// menu name then option label; unknown names are reported.
func (d *Definition) SetPhrases(overrides map[string]map[string][]string) error {
	for name, labels := range overrides {
		m, ok := d.Menu(name)
		if !ok {
			return fmt.Errorf("unknown menu %q", name)
		}
		for label, phrases := range labels {
			found := false
			for i := range m.Options {
				if strings.EqualFold(m.Options[i].Label, label) {
					m.Options[i].Phrases = append([]string(nil), phrases...)
					found = true
				}
			}
			if !found {
				return fmt.Errorf("menu %s has no option %q", name, label)
			}
		}
	}
	return nil
}

// TeamName is how a queue is announced to the caller.
func TeamName(q Queue) string {
	switch q {
	case HomeQueue:
		return "home broadband"
	case MobileQueue:
		return "mobile"
	case TvQueue:
		return "TV"
	default:
		return "customer service"
	}
}

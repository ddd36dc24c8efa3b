package models

import "strconv"

// Limits imposed by the WhatsApp interactive message format.
const (
	MaxTextLength     = 4096
	MaxButtons        = 3
	MaxButtonTitle    = 20
	MaxListRows       = 10
	DefaultListButton = "Options"
)

// ActionKind is the kind of outbound message.
type ActionKind string

const (
	ActionText    ActionKind = "text"
	ActionImage   ActionKind = "image"
	ActionButtons ActionKind = "buttons"
	ActionList    ActionKind = "list"
)

// Button is a quick-reply choice.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is one selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// OutboundAction is one message a handler wants sent. Handlers return them as an
// ordered list and the pipeline delivers them sequentially.
type OutboundAction struct {
	Kind       ActionKind    `json:"kind"`
	Body       string        `json:"body,omitempty"`
	URL        string        `json:"url,omitempty"`
	Caption    string        `json:"caption,omitempty"`
	Buttons    []Button      `json:"buttons,omitempty"`
	ListButton string        `json:"list_button,omitempty"`
	Sections   []ListSection `json:"sections,omitempty"`
}

// Text builds a plain text action.
func Text(body string) OutboundAction {
	return OutboundAction{Kind: ActionText, Body: body}
}

// Image builds an image-by-URL action with an optional caption.
func Image(url, caption string) OutboundAction {
	return OutboundAction{Kind: ActionImage, URL: url, Caption: caption}
}

// Buttons builds an interactive quick-reply action.
func Buttons(body string, buttons ...Button) OutboundAction {
	return OutboundAction{Kind: ActionButtons, Body: body, Buttons: buttons}
}

// List builds an interactive list action.
func List(body, button string, sections ...ListSection) OutboundAction {
	if button == "" {
		button = DefaultListButton
	}
	return OutboundAction{Kind: ActionList, Body: body, ListButton: button, Sections: sections}
}

// Validate checks an action against the interactive format limits.
func (a OutboundAction) Validate() error {
	switch a.Kind {
	case ActionText:
		if a.Body == "" {
			return ErrEmptyBody
		}
		if len(a.Body) > MaxTextLength {
			return ErrBodyTooLong
		}
	case ActionImage:
		if a.URL == "" {
			return ErrEmptyImageURL
		}
	case ActionButtons:
		if a.Body == "" {
			return ErrEmptyBody
		}
		if len(a.Buttons) == 0 || len(a.Buttons) > MaxButtons {
			return ErrInvalidButtons
		}
		for _, b := range a.Buttons {
			if len([]rune(b.Title)) > MaxButtonTitle {
				return ErrButtonTitleLong
			}
		}
	case ActionList:
		if a.Body == "" {
			return ErrEmptyBody
		}
		rows := 0
		for _, s := range a.Sections {
			rows += len(s.Rows)
		}
		if rows == 0 || rows > MaxListRows {
			return ErrInvalidListRows
		}
	}
	return nil
}

// PlainText renders an action as text for transports without interactive support.
// Choices are numbered and carry their reply id so typed answers can be matched back.
func (a OutboundAction) PlainText() string {
	switch a.Kind {
	case ActionImage:
		return a.Caption
	case ActionButtons:
		out := a.Body + "\n"
		for i, b := range a.Buttons {
			out += "\n" + strconv.Itoa(i+1) + ". " + b.Title
		}
		return out
	case ActionList:
		out := a.Body + "\n"
		n := 0
		for _, s := range a.Sections {
			if s.Title != "" {
				out += "\n" + s.Title
			}
			for _, r := range s.Rows {
				n++
				out += "\n" + strconv.Itoa(n) + ". " + r.Title
			}
		}
		return out
	default:
		return a.Body
	}
}

// ChoiceIDs returns reply ids in display order, matching the numbering of PlainText.
func (a OutboundAction) ChoiceIDs() []string {
	var ids []string
	for _, b := range a.Buttons {
		ids = append(ids, b.ID)
	}
	for _, s := range a.Sections {
		for _, r := range s.Rows {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

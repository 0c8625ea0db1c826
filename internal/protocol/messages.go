package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/colabtext/colabtext/pkg/ot"
)

// UserInfo is a connected user's volatile display information.
type UserInfo struct {
	Name string `json:"name"`
	Hue  uint32 `json:"hue"`
}

// CursorData is a user's cursor positions and selection ranges, in
// codepoint offsets into the current document text.
type CursorData struct {
	Cursors    []uint32    `json:"cursors"`
	Selections [][2]uint32 `json:"selections"`
}

// UserOperation is a committed edit together with the connection id that
// produced it and, for authenticated connections, the email on whose
// behalf it was made.
type UserOperation struct {
	ID        uint64           `json:"id"`
	Operation *ot.OperationSeq `json:"operation"`
	Email     *string          `json:"email,omitempty"`
}

// ClientMsg is a message sent from client to server. Exactly one field is
// set per message (externally tagged union).
type ClientMsg struct {
	Edit        *EditMsg    `json:"Edit,omitempty"`
	SetLanguage *string     `json:"SetLanguage,omitempty"`
	ClientInfo  *UserInfo   `json:"ClientInfo,omitempty"`
	CursorData  *CursorData `json:"CursorData,omitempty"`
	SetColor    *uint32     `json:"SetColor,omitempty"`
}

// EditMsg is a text edit proposed against a client's last known revision.
type EditMsg struct {
	Revision  int              `json:"revision"`
	Operation *ot.OperationSeq `json:"operation"`
}

// ServerMsg is a message sent from server to client. Exactly one field is
// set per message (externally tagged union).
type ServerMsg struct {
	Identity           *uint64        `json:"Identity,omitempty"`
	AuthenticatedEmail *emailBox      `json:"AuthenticatedEmail,omitempty"`
	History            *HistoryMsg    `json:"History,omitempty"`
	Language           *string        `json:"Language,omitempty"`
	UserInfo           *UserInfoMsg   `json:"UserInfo,omitempty"`
	UserCursor         *UserCursorMsg `json:"UserCursor,omitempty"`
	UserColor          *UserColorMsg  `json:"UserColor,omitempty"`
}

// emailBox lets AuthenticatedEmail distinguish "not sent yet" (nil
// ServerMsg field) from "sent, no authenticated email" (present, null).
type emailBox struct {
	Email *string
}

func (e emailBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Email)
}

func (e *emailBox) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &e.Email)
}

// HistoryMsg carries a contiguous run of operations starting at revision
// Start.
type HistoryMsg struct {
	Start      int             `json:"start"`
	Operations []UserOperation `json:"operations"`
}

// UserInfoMsg announces a user's display info, or its disconnection when
// Info is nil.
type UserInfoMsg struct {
	ID   uint64    `json:"id"`
	Info *UserInfo `json:"info,omitempty"`
}

// UserCursorMsg announces a user's current cursor/selection positions.
type UserCursorMsg struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

// UserColorMsg announces an authenticated user's persistent color choice.
type UserColorMsg struct {
	Email string `json:"email"`
	Hue   uint32 `json:"hue"`
}

// MarshalJSON emits only the one populated variant field.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 1)
	switch {
	case m.Identity != nil:
		result["Identity"] = *m.Identity
	case m.AuthenticatedEmail != nil:
		result["AuthenticatedEmail"] = m.AuthenticatedEmail.Email
	case m.History != nil:
		result["History"] = m.History
	case m.Language != nil:
		result["Language"] = *m.Language
	case m.UserInfo != nil:
		result["UserInfo"] = m.UserInfo
	case m.UserCursor != nil:
		result["UserCursor"] = m.UserCursor
	case m.UserColor != nil:
		result["UserColor"] = m.UserColor
	}
	return json.Marshal(result)
}

// UnmarshalJSON decodes whichever single variant field is present. Used
// by Go test clients; real browser clients decode the same wire shape in
// JavaScript.
func (m *ServerMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["Identity"]; ok {
		var id uint64
		if err := json.Unmarshal(v, &id); err != nil {
			return err
		}
		m.Identity = &id
	}
	if v, ok := raw["AuthenticatedEmail"]; ok {
		var email *string
		if err := json.Unmarshal(v, &email); err != nil {
			return err
		}
		m.AuthenticatedEmail = &emailBox{Email: email}
	}
	if v, ok := raw["History"]; ok {
		var h HistoryMsg
		if err := json.Unmarshal(v, &h); err != nil {
			return err
		}
		m.History = &h
	}
	if v, ok := raw["Language"]; ok {
		var lang string
		if err := json.Unmarshal(v, &lang); err != nil {
			return err
		}
		m.Language = &lang
	}
	if v, ok := raw["UserInfo"]; ok {
		var info UserInfoMsg
		if err := json.Unmarshal(v, &info); err != nil {
			return err
		}
		m.UserInfo = &info
	}
	if v, ok := raw["UserCursor"]; ok {
		var cursor UserCursorMsg
		if err := json.Unmarshal(v, &cursor); err != nil {
			return err
		}
		m.UserCursor = &cursor
	}
	if v, ok := raw["UserColor"]; ok {
		var color UserColorMsg
		if err := json.Unmarshal(v, &color); err != nil {
			return err
		}
		m.UserColor = &color
	}
	return nil
}

// UnmarshalJSON decodes whichever single variant field is present. An
// object carrying none of the five recognized keys is a DecodeError
// (spec.md §7's "unknown tag" cause): the caller terminates the connection
// rather than silently treating it as a no-op message.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	matched := false

	if v, ok := raw["Edit"]; ok {
		var edit EditMsg
		if err := json.Unmarshal(v, &edit); err != nil {
			return err
		}
		m.Edit = &edit
		matched = true
	}
	if v, ok := raw["SetLanguage"]; ok {
		var lang string
		if err := json.Unmarshal(v, &lang); err != nil {
			return err
		}
		m.SetLanguage = &lang
		matched = true
	}
	if v, ok := raw["ClientInfo"]; ok {
		var info UserInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return err
		}
		m.ClientInfo = &info
		matched = true
	}
	if v, ok := raw["CursorData"]; ok {
		var cursor CursorData
		if err := json.Unmarshal(v, &cursor); err != nil {
			return err
		}
		m.CursorData = &cursor
		matched = true
	}
	if v, ok := raw["SetColor"]; ok {
		var hue uint32
		if err := json.Unmarshal(v, &hue); err != nil {
			return err
		}
		m.SetColor = &hue
		matched = true
	}

	if !matched {
		return fmt.Errorf("client message: no recognized tag among %d key(s)", len(raw))
	}
	return nil
}

// Helper constructors for server messages.

func NewIdentityMsg(id uint64) *ServerMsg {
	return &ServerMsg{Identity: &id}
}

func NewAuthenticatedEmailMsg(email *string) *ServerMsg {
	return &ServerMsg{AuthenticatedEmail: &emailBox{Email: email}}
}

func NewHistoryMsg(start int, ops []UserOperation) *ServerMsg {
	return &ServerMsg{History: &HistoryMsg{Start: start, Operations: ops}}
}

func NewLanguageMsg(lang string) *ServerMsg {
	return &ServerMsg{Language: &lang}
}

func NewUserInfoMsg(id uint64, info *UserInfo) *ServerMsg {
	return &ServerMsg{UserInfo: &UserInfoMsg{ID: id, Info: info}}
}

func NewUserCursorMsg(id uint64, data CursorData) *ServerMsg {
	return &ServerMsg{UserCursor: &UserCursorMsg{ID: id, Data: data}}
}

func NewUserColorMsg(email string, hue uint32) *ServerMsg {
	return &ServerMsg{UserColor: &UserColorMsg{Email: email, Hue: hue}}
}

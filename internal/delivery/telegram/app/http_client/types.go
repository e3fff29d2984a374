// internal/delivery/telegram/app/http_client/types.go
package http_client

// Update - входящее обновление Bot API (нужные боту поля)
type Update struct {
	UpdateID      int64              `json:"update_id"`
	Message       *Message           `json:"message,omitempty"`
	CallbackQuery *CallbackQuery     `json:"callback_query,omitempty"`
	ChatMember    *ChatMemberUpdated `json:"chat_member,omitempty"`
}

// User - пользователь Telegram
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

// Chat - чат
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Contact - контакт, которым поделился пользователь
type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	UserID      int64  `json:"user_id,omitempty"`
}

// Message - сообщение
type Message struct {
	MessageID int64    `json:"message_id"`
	From      *User    `json:"from,omitempty"`
	Chat      Chat     `json:"chat"`
	Text      string   `json:"text,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`
}

// CallbackQuery - нажатие inline-кнопки
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// ChatInviteLink - приглашение в чат
type ChatInviteLink struct {
	InviteLink  string `json:"invite_link"`
	MemberLimit int    `json:"member_limit,omitempty"`
	ExpireDate  int64  `json:"expire_date,omitempty"`
	IsRevoked   bool   `json:"is_revoked"`
}

// ChatMember - участник чата
type ChatMember struct {
	Status   string `json:"status"`
	User     User   `json:"user"`
	IsMember bool   `json:"is_member,omitempty"` // для restricted
}

// ChatMemberUpdated - изменение статуса участника канала
type ChatMemberUpdated struct {
	Chat          Chat            `json:"chat"`
	From          User            `json:"from"`
	Date          int64           `json:"date"`
	OldChatMember ChatMember      `json:"old_chat_member"`
	NewChatMember ChatMember      `json:"new_chat_member"`
	InviteLink    *ChatInviteLink `json:"invite_link,omitempty"`
}

// BotCommand - пункт меню команд
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Joined - пользователь вошёл в чат этим изменением
func (u *ChatMemberUpdated) Joined() bool {
	return !isMemberStatus(u.OldChatMember) && isMemberStatus(u.NewChatMember)
}

func isMemberStatus(m ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	}
	return false
}

package models

// TelegramConfig stores the bot credentials used for deal notifications
type TelegramConfig struct {
	IsEnabled bool   `json:"is_enabled"`
	BotToken  string `json:"bot_token"`
	ChatID    string `json:"chat_id"`
}

// Ready reports whether notifications can actually be sent
func (c *TelegramConfig) Ready() bool {
	return c != nil && c.IsEnabled && c.BotToken != "" && c.ChatID != ""
}

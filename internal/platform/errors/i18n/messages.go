package i18n

var enUS = map[Code]string{
	"UNKNOWN":            "Something went wrong. Please try again.",
	"AUTH_REQUIRED":      "Sign in to use chat.",
	"FORBIDDEN":          "You do not have access to this chat.",
	"ROOM_NOT_FOUND":     "This chat is not available.",
	"NOT_IN_ROOM":        "Join a chat before sending messages.",
	"VALIDATION_FAILED":  `{{if eq .Rule "too_long"}}Messages are limited to 2000 characters.{{else if eq .Rule "empty"}}Messages cannot be empty.{{else}}The message is not valid.{{end}}`,
	"INVALID_ARGUMENT":   "The request is malformed.",
	"JOIN_PENDING":       "Still joining the previous chat.",
	"JOIN_CANCELLED":     "Joining the chat was cancelled.",
	"RATE_LIMITED":       "You are sending messages too quickly.",
	"PERSISTENCE_FAILED": "Your message could not be saved. Try sending it again.",
	"CONNECTION_LOST":    "Connection lost. Reconnecting...",
	"UNAVAILABLE":        "Chat is temporarily unavailable.",
}

var ptBR = map[Code]string{
	"UNKNOWN":            "Algo deu errado. Tente novamente.",
	"AUTH_REQUIRED":      "Entre para usar o chat.",
	"FORBIDDEN":          "Você não tem acesso a este chat.",
	"ROOM_NOT_FOUND":     "Este chat não está disponível.",
	"NOT_IN_ROOM":        "Entre em um chat antes de enviar mensagens.",
	"VALIDATION_FAILED":  `{{if eq .Rule "too_long"}}As mensagens são limitadas a 2000 caracteres.{{else if eq .Rule "empty"}}As mensagens não podem estar vazias.{{else}}A mensagem não é válida.{{end}}`,
	"INVALID_ARGUMENT":   "A requisição está malformada.",
	"JOIN_PENDING":       "Ainda entrando no chat anterior.",
	"JOIN_CANCELLED":     "A entrada no chat foi cancelada.",
	"RATE_LIMITED":       "Você está enviando mensagens rápido demais.",
	"PERSISTENCE_FAILED": "Sua mensagem não pôde ser salva. Tente enviar novamente.",
	"CONNECTION_LOST":    "Conexão perdida. Reconectando...",
	"UNAVAILABLE":        "O chat está temporariamente indisponível.",
}

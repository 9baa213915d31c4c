package inbound

import (
	"strings"

	"github.com/emersion/go-message/mail"

	"mailbridge/internal/domain"
)

// IsEcho reports whether msg was sent by the account itself. Both a bare
// address and a display-wrapped "Name <addr>" sender are recognised;
// comparison ignores case.
func IsEcho(msg *domain.InboundMessage, ownAddress string) bool {
	own := strings.ToLower(strings.TrimSpace(ownAddress))
	if own == "" || msg == nil {
		return false
	}
	from := strings.ToLower(strings.TrimSpace(msg.From))
	if from == own {
		return true
	}
	if addr, err := mail.ParseAddress(msg.From); err == nil {
		if strings.ToLower(addr.Address) == own {
			return true
		}
	}
	return strings.HasSuffix(from, "<"+own+">")
}

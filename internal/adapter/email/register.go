package email

import (
	"fmt"
	"strconv"

	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
)

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		port := 587
		if p := config["port"]; p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("email: invalid port %q: %w", p, err)
			}
			port = n
		}
		return NewNotifier(SMTPConfig{
			Host:     config["host"],
			Port:     port,
			Username: config["username"],
			Password: config["password"],
			From:     config["from"],
		}), nil
	})
}

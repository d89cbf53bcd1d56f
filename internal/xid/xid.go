package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + strings.ToUpper(uuid.NewString())
}

package core

import (
	"strings"

	"github.com/google/uuid"
)

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

package scorer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// ParseScore converts gauge text into a score. Only a bare integer in
// [0, 100] is accepted; nothing is rounded or clamped.
func ParseScore(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, audit.Retryable(audit.ReasonScoreUnparseable, fmt.Errorf("score text %q is not an integer", text))
	}
	if v < 0 || v > 100 {
		return 0, audit.Retryable(audit.ReasonScoreUnparseable, fmt.Errorf("score %d out of range", v))
	}
	return v, nil
}

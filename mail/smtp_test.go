package mail

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRFC822(t *testing.T) {
	t.Run("text body yields plain content type", func(t *testing.T) {
		data := buildRFC822("noreply@x.com", Message{
			To:      "a@x.com",
			Subject: "Verify",
			Text:    "code 123456",
		})
		s := string(data)
		assert.Contains(t, s, "To: a@x.com\r\n")
		assert.Contains(t, s, "Content-Type: text/plain; charset=utf-8\r\n")
		assert.Contains(t, s, "code 123456")
	})

	t.Run("html body wins over text", func(t *testing.T) {
		data := buildRFC822("noreply@x.com", Message{
			To:      "a@x.com",
			Subject: "Hi",
			HTML:    "<b>hi</b>",
			Text:    "hi",
		})
		s := string(data)
		assert.Contains(t, s, "Content-Type: text/html; charset=utf-8\r\n")
		assert.Contains(t, s, "<b>hi</b>")
	})

	t.Run("headers precede body", func(t *testing.T) {
		data := buildRFC822("noreply@x.com", Message{To: "a@x.com", Subject: "s", Text: "b"})
		parts := strings.SplitN(string(data), "\r\n\r\n", 2)
		assert.Len(t, parts, 2)
		assert.Contains(t, parts[0], "MIME-Version: 1.0")
	})
}

func TestLogSender(t *testing.T) {
	t.Run("never fails", func(t *testing.T) {
		s := NewLogSender(nil)
		err := s.Send(context.Background(), Message{To: "a@x.com", Subject: "s", Text: "b"})
		assert.NoError(t, err)
	})
}

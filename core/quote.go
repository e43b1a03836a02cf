package core

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// QuoteLine wraps s in single quotes for a POSIX shell. Each embedded single
// quote becomes '\'' (close, escaped quote, reopen). No other byte is altered.
func QuoteLine(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// unquoteLine reverses QuoteLine for words made of single-quoted runs joined by \'.
func unquoteLine(word string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(word); {
		switch word[i] {
		case '\'':
			end := strings.IndexByte(word[i+1:], '\'')
			if end < 0 {
				return "", errors.New("unterminated single quote")
			}
			b.WriteString(word[i+1 : i+1+end])
			i += end + 2
		case '\\':
			if i+1 >= len(word) {
				return "", errors.New("trailing backslash")
			}
			b.WriteByte(word[i+1])
			i += 2
		default:
			return "", fmt.Errorf("unexpected %q outside quotes", word[i])
		}
	}
	return b.String(), nil
}

func quoteChecked(op, s string, terminal bool) (string, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return "", newErrorf(ErrorEscapeFailure, op, "content contains a NUL byte")
	}
	if terminal {
		// The tty line discipline interprets control bytes before the shell sees them.
		for i := 0; i < len(s); i++ {
			if c := s[i]; (c < 0x20 && c != '\t') || c == 0x7f {
				return "", newErrorf(ErrorEscapeFailure, op, "control byte 0x%02x cannot pass through a terminal channel", c)
			}
		}
	}
	quoted := QuoteLine(s)
	back, err := unquoteLine(quoted)
	if err != nil {
		return "", NewError(ErrorEscapeFailure, op, err)
	}
	if back != s {
		return "", newErrorf(ErrorEscapeFailure, op, "quoted text does not round-trip")
	}
	return quoted, nil
}

// WriteCommands returns the ordered shell commands that reconstruct content at
// target byte for byte. The first command truncates, the rest append.
// info.MaxLineBytes bounds every command after framing overhead is added.
func WriteCommands(target, content string, info ChannelInfo) ([]string, error) {
	const op = "write"
	maxLine := info.MaxLineBytes
	quotedTarget, err := quoteChecked(op, target, info.Terminal)
	if err != nil {
		return nil, err
	}
	if content == "" {
		cmd := ": > " + quotedTarget
		return []string{cmd}, checkLineLength(op, cmd, maxLine)
	}
	segments := strings.Split(content, "\n")
	commands := make([]string, 0, len(segments))
	for i, segment := range segments {
		last := i == len(segments)-1
		if last && segment == "" {
			break
		}
		quoted, err := quoteChecked(op, segment, info.Terminal)
		if err != nil {
			return nil, err
		}
		format := `'%s\n'`
		if last {
			format = `'%s'`
		}
		redirect := ">>"
		if len(commands) == 0 {
			redirect = ">"
		}
		cmd := "printf " + format + " " + quoted + " " + redirect + " " + quotedTarget
		if err := checkLineLength(op, cmd, maxLine); err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func checkLineLength(op, cmd string, maxLine int) error {
	if maxLine <= 0 {
		return nil
	}
	if len(cmd)+frameOverhead > maxLine {
		return newErrorf(ErrorEscapeFailure, op, "command of %d bytes exceeds the channel line limit of %d", len(cmd)+frameOverhead, maxLine)
	}
	return nil
}

// RemoveCommand deletes target if it exists.
func RemoveCommand(target string) (string, error) {
	quoted, err := quoteChecked("remove", target, false)
	if err != nil {
		return "", err
	}
	return "rm -f " + quoted, nil
}

// MkdirCommand creates target and any missing parents.
func MkdirCommand(target string) (string, error) {
	quoted, err := quoteChecked("mkdir", target, false)
	if err != nil {
		return "", err
	}
	return "mkdir -p " + quoted, nil
}

// RemoveTreeCommand deletes target and everything below it. The remote root
// itself is never a valid target.
func RemoveTreeCommand(target string) (string, error) {
	clean := path.Clean(target)
	if clean == "." || clean == "/" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", newErrorf(ErrorValidation, "remove", "refusing to remove %q", target)
	}
	quoted, err := quoteChecked("remove", target, false)
	if err != nil {
		return "", err
	}
	return "rm -rf " + quoted, nil
}

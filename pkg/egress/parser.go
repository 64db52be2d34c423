package egress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/containai/containai/pkg/domain"
)

const sectionEgress = "egress"

// Warning is a non-fatal problem found while reading or resolving a policy.
type Warning struct {
	File    string
	Line    int
	Message string
}

func (w Warning) String() string {
	switch {
	case w.File != "" && w.Line > 0:
		return fmt.Sprintf("%s:%d: %s", w.File, w.Line, w.Message)
	case w.File != "":
		return fmt.Sprintf("%s: %s", w.File, w.Message)
	default:
		return w.Message
	}
}

// ParseFile reads a policy declaration. A missing file yields an empty,
// non-enforcing policy.
func ParseFile(path string) (domain.NetworkPolicy, []Warning, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NetworkPolicy{}, nil, nil
	}
	if err != nil {
		return domain.NetworkPolicy{}, nil, fmt.Errorf("failed to open policy %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads the INI-style declaration:
//
//	[egress]
//	preset = git-hosts
//	allow = api.example.com
//	default_deny = true
//
// preset and allow repeat. Anything unrecognized is a warning, never an error.
func Parse(r io.Reader, name string) (domain.NetworkPolicy, []Warning, error) {
	var (
		policy   domain.NetworkPolicy
		warnings []Warning
		section  string
		lineNo   int
	)
	warn := func(format string, args ...any) {
		warnings = append(warnings, Warning{File: name, Line: lineNo, Message: fmt.Sprintf(format, args...)})
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				warn("malformed section header %q", line)
				section = ""
				continue
			}
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if section != sectionEgress {
				warn("unknown section [%s] ignored", section)
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warn("expected key = value, got %q", line)
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = unquote(stripInlineComment(strings.TrimSpace(value)))

		switch section {
		case sectionEgress:
		case "":
			warn("%s outside of [egress] ignored", key)
			continue
		default:
			continue
		}

		if value == "" {
			warn("empty value for %s", key)
			continue
		}

		switch key {
		case "preset":
			policy.Presets = append(policy.Presets, value)
		case "allow":
			policy.Allows = append(policy.Allows, value)
		case "default_deny":
			b, ok := parseBool(value)
			if !ok {
				warn("invalid default_deny value %q (want true/false/yes/no/1/0)", value)
				continue
			}
			policy.DefaultDeny = b
		default:
			warn("unknown key %q ignored", key)
		}
	}
	if err := sc.Err(); err != nil {
		return policy, warnings, fmt.Errorf("failed to read policy %s: %w", name, err)
	}
	return policy, warnings, nil
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true, true
	case "false", "no", "0":
		return false, true
	}
	return false, false
}

func stripInlineComment(v string) string {
	for _, marker := range []string{" #", " ;", "\t#", "\t;"} {
		if i := strings.Index(v, marker); i >= 0 {
			v = v[:i]
		}
	}
	return strings.TrimSpace(v)
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}

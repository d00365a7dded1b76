// Package policy loads the imds.conf ruleset and decides, per request,
// whether a given uid/gid set may fetch a given path. Rules are evaluated
// in file order and the last matching rule wins, so policies read as a
// stack of narrower overrides on a coarser base, the way firewall rulesets
// are written.
package policy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
)

type ruleType int

const (
	ruleAny ruleType = iota
	ruleUID
	ruleGID
)

// Rule is one line of the policy file.
type Rule struct {
	rtype  ruleType
	id     uint32
	name   string // the name the id was resolved from, kept for String()
	prefix string
	allow  bool
}

// RuleSet is an ordered sequence of rules.
type RuleSet struct {
	rules []Rule
}

// NameService resolves user and group names while loading a ruleset. The
// zero value uses the system user database; tests inject their own.
type NameService struct {
	LookupUser  func(name string) (uint32, error)
	LookupGroup func(name string) (uint32, error)
}

func systemNames() NameService {
	return NameService{
		LookupUser: func(name string) (uint32, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return 0, err
			}
			id, err := strconv.ParseUint(u.Uid, 10, 32)
			return uint32(id), err
		},
		LookupGroup: func(name string) (uint32, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return 0, err
			}
			id, err := strconv.ParseUint(g.Gid, 10, 32)
			return uint32(id), err
		},
	}
}

// Load reads the rule file at path using the system user database.
func Load(ctx context.Context, path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	rs, err := Parse(ctx, f, systemNames())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse reads rules line by line. Blank lines and lines starting with '#'
// are skipped. Everything else must be
//
//	<Allow|Deny> [user <name> | group <name>] "<prefix>"
//
// with exactly one space between tokens. Name resolution happens here,
// synchronously, so it is done before any privileges are dropped. A '*' in
// the prefix must form a whole path segment; anything else is rejected now
// rather than surprising the matcher later.
func Parse(ctx context.Context, r io.Reader, names NameService) (*RuleSet, error) {
	sys := systemNames()
	if names.LookupUser == nil {
		names.LookupUser = sys.LookupUser
	}
	if names.LookupGroup == nil {
		names.LookupGroup = sys.LookupGroup
	}
	rs := &RuleSet{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || line[0] == '#' {
			continue
		}
		rule, err := parseRule(line, names)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rs.rules = append(rs.rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	dlog.Debugf(ctx, "loaded %d policy rules", len(rs.rules))
	return rs, nil
}

func parseRule(line string, names NameService) (Rule, error) {
	var r Rule
	rest := line
	switch {
	case strings.HasPrefix(rest, "Allow "):
		r.allow = true
		rest = rest[len("Allow "):]
	case strings.HasPrefix(rest, "Deny "):
		rest = rest[len("Deny "):]
	default:
		return r, fmt.Errorf("invalid rule: %s", line)
	}

	switch {
	case strings.HasPrefix(rest, "user "):
		name, tail, ok := strings.Cut(rest[len("user "):], " ")
		if !ok {
			return r, fmt.Errorf("invalid rule: %s", line)
		}
		id, err := names.LookupUser(name)
		if err != nil {
			return r, fmt.Errorf("user not found: %s", name)
		}
		r.rtype, r.id, r.name = ruleUID, id, name
		rest = tail
	case strings.HasPrefix(rest, "group "):
		name, tail, ok := strings.Cut(rest[len("group "):], " ")
		if !ok {
			return r, fmt.Errorf("invalid rule: %s", line)
		}
		id, err := names.LookupGroup(name)
		if err != nil {
			return r, fmt.Errorf("group not found: %s", name)
		}
		r.rtype, r.id, r.name = ruleGID, id, name
		rest = tail
	default:
		r.rtype = ruleAny
	}

	// The prefix is the final token: double-quoted, closing quote at end
	// of line, no stray quotes in between.
	quoted := rest
	if len(quoted) < 2 || quoted[0] != '"' || quoted[len(quoted)-1] != '"' ||
		strings.IndexByte(quoted[1:], '"') != len(quoted)-2 {
		return r, fmt.Errorf("invalid rule: %s", line)
	}
	prefix := quoted[1 : len(quoted)-1]

	for i := 0; i < len(prefix); i++ {
		if prefix[i] != '*' {
			continue
		}
		// A wildcard is a whole segment: preceded by '/', followed by
		// '/' or end of string.
		if i == 0 || prefix[i-1] != '/' {
			return r, fmt.Errorf("invalid rule: %s", line)
		}
		if i+1 < len(prefix) && prefix[i+1] != '/' {
			return r, fmt.Errorf("invalid rule: %s", line)
		}
	}
	r.prefix = prefix
	return r, nil
}

// Check evaluates all rules in order; each matching rule overwrites the
// decision, and with no match at all the request is denied.
func (rs *RuleSet) Check(path string, uid uint32, gids []uint32) bool {
	allow := false
	for _, r := range rs.rules {
		switch r.rtype {
		case ruleUID:
			if r.id != uid {
				continue
			}
		case ruleGID:
			if !containsGid(gids, r.id) {
				continue
			}
		}
		if !pathMatch(path, r.prefix) {
			continue
		}
		allow = r.allow
	}
	return allow
}

func containsGid(gids []uint32, id uint32) bool {
	for _, g := range gids {
		if g == id {
			return true
		}
	}
	return false
}

// pathMatch walks the prefix one character at a time; '*' consumes path
// characters up to but not including the next '/' or end of string, and
// anything else matches only itself. A fully consumed prefix matches
// regardless of what follows in the path.
func pathMatch(path, prefix string) bool {
	pi := 0
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == '*' {
			for pi < len(path) && path[pi] != '/' {
				pi++
			}
			continue
		}
		if pi >= len(path) || path[pi] != prefix[i] {
			return false
		}
		pi++
	}
	return true
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// String renders the ruleset back into its file form.
func (rs *RuleSet) String() string {
	var b strings.Builder
	for _, r := range rs.rules {
		if r.allow {
			b.WriteString("Allow ")
		} else {
			b.WriteString("Deny ")
		}
		switch r.rtype {
		case ruleUID:
			b.WriteString("user " + r.name + " ")
		case ruleGID:
			b.WriteString("group " + r.name + " ")
		}
		b.WriteString("\"" + r.prefix + "\"\n")
	}
	return b.String()
}

// Package protocol implements the gateway's client-facing ASCII front-end:
// parsing and framing for the line-oriented memcached wire protocol clients
// speak on port_no, including the loopback-only admin verbs the CLI uses
// to drive membership changes.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxKeyLength is the largest key the gateway will accept, matching
	// stock memcached.
	MaxKeyLength = 250
	// MaxDataBlock is the largest inline data block the gateway will
	// accept for a storage command.
	MaxDataBlock = 1 << 20
)

// Group classifies a verb for routing purposes.
type Group int

const (
	GroupUnknown Group = iota
	GroupStorage
	GroupRetrieval
	GroupDeletion
	GroupCounter
	GroupIntrospection
	GroupAdmin
)

var storageVerbs = map[string]bool{
	"set": true, "add": true, "replace": true, "append": true, "prepend": true, "cas": true,
}
var retrievalVerbs = map[string]bool{"get": true, "gets": true}
var counterVerbs = map[string]bool{"incr": true, "decr": true}
var introspectionVerbs = map[string]bool{
	"stats": true, "version": true, "verbosity": true, "quit": true,
}
var adminVerbs = map[string]bool{
	"__/status/__": true, "__/shutdown/__": true, "__/addserver/__": true,
	"__/removeserver/__": true, "__/unlockserver/__": true, "__/hashserver/__": true,
	"__/importdata/__": true,
}

func groupOf(verb string) Group {
	switch {
	case storageVerbs[verb]:
		return GroupStorage
	case retrievalVerbs[verb]:
		return GroupRetrieval
	case verb == "delete":
		return GroupDeletion
	case counterVerbs[verb]:
		return GroupCounter
	case introspectionVerbs[verb]:
		return GroupIntrospection
	case adminVerbs[verb]:
		return GroupAdmin
	default:
		return GroupUnknown
	}
}

// Command is one parsed client request line, plus its inline data block
// when the verb requires one.
type Command struct {
	Line    string
	Verb    string
	Group   Group
	Tokens  []string
	Keys    []string
	Flags   uint32
	Exptime int
	Bytes   int
	CAS     uint64
	NoReply bool
	Data    []byte
}

// ParseLine tokenizes a CRLF-stripped command line and validates arity for
// its verb group. It does not read the inline data block for storage
// commands — the caller does that separately once arity is confirmed, per
// the declared Bytes field.
func ParseLine(line string) (*Command, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := &Command{Line: line, Verb: tokens[0], Tokens: tokens}
	cmd.Group = groupOf(cmd.Verb)

	switch cmd.Group {
	case GroupStorage:
		return cmd, parseStorage(cmd)
	case GroupRetrieval:
		return cmd, parseRetrieval(cmd)
	case GroupDeletion:
		return cmd, parseDeletion(cmd)
	case GroupCounter:
		return cmd, parseCounter(cmd)
	case GroupIntrospection:
		return cmd, parseIntrospection(cmd)
	case GroupAdmin:
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Verb)
	}
}

// parseStorage validates "<cmd> <key> <flags> <exptime> <bytes> [cas] [noreply]".
func parseStorage(cmd *Command) error {
	n := len(cmd.Tokens)
	min, max := 5, 6
	if cmd.Verb == "cas" {
		min, max = 6, 7
	}
	if n < min || n > max {
		return fmt.Errorf("%s: wrong number of tokens (%d)", cmd.Verb, n)
	}

	key := cmd.Tokens[1]
	if len(key) == 0 || len(key) > MaxKeyLength {
		return fmt.Errorf("%s: bad key length %d", cmd.Verb, len(key))
	}
	cmd.Keys = []string{key}

	flags, err := strconv.ParseUint(cmd.Tokens[2], 10, 32)
	if err != nil {
		return fmt.Errorf("%s: bad flags %q", cmd.Verb, cmd.Tokens[2])
	}
	cmd.Flags = uint32(flags)

	exptime, err := strconv.Atoi(cmd.Tokens[3])
	if err != nil {
		return fmt.Errorf("%s: bad exptime %q", cmd.Verb, cmd.Tokens[3])
	}
	cmd.Exptime = exptime

	bytes, err := strconv.Atoi(cmd.Tokens[4])
	if err != nil || bytes < 0 || bytes > MaxDataBlock {
		return fmt.Errorf("%s: bad byte count %q", cmd.Verb, cmd.Tokens[4])
	}
	cmd.Bytes = bytes

	idx := 5
	if cmd.Verb == "cas" {
		cas, err := strconv.ParseUint(cmd.Tokens[5], 10, 64)
		if err != nil {
			return fmt.Errorf("cas: bad cas token %q", cmd.Tokens[5])
		}
		cmd.CAS = cas
		idx = 6
	}
	if idx < n && cmd.Tokens[idx] == "noreply" {
		cmd.NoReply = true
	}
	return nil
}

func parseRetrieval(cmd *Command) error {
	if len(cmd.Tokens) < 2 {
		return fmt.Errorf("%s: requires at least one key", cmd.Verb)
	}
	for _, k := range cmd.Tokens[1:] {
		if len(k) == 0 || len(k) > MaxKeyLength {
			return fmt.Errorf("%s: bad key length %d", cmd.Verb, len(k))
		}
	}
	cmd.Keys = cmd.Tokens[1:]
	return nil
}

// parseDeletion validates "delete <key> [<time>] [noreply]".
func parseDeletion(cmd *Command) error {
	n := len(cmd.Tokens)
	if n < 2 || n > 4 {
		return fmt.Errorf("delete: wrong number of tokens (%d)", n)
	}
	key := cmd.Tokens[1]
	if len(key) == 0 || len(key) > MaxKeyLength {
		return fmt.Errorf("delete: bad key length %d", len(key))
	}
	cmd.Keys = []string{key}
	if cmd.Tokens[n-1] == "noreply" {
		cmd.NoReply = true
	}
	return nil
}

func parseCounter(cmd *Command) error {
	n := len(cmd.Tokens)
	if n < 3 || n > 4 {
		return fmt.Errorf("%s: wrong number of tokens (%d)", cmd.Verb, n)
	}
	key := cmd.Tokens[1]
	if len(key) == 0 || len(key) > MaxKeyLength {
		return fmt.Errorf("%s: bad key length %d", cmd.Verb, len(key))
	}
	cmd.Keys = []string{key}
	if n == 4 && cmd.Tokens[3] == "noreply" {
		cmd.NoReply = true
	}
	return nil
}

func parseIntrospection(cmd *Command) error {
	if cmd.Verb == "verbosity" && len(cmd.Tokens) < 2 {
		return fmt.Errorf("verbosity: requires a level")
	}
	return nil
}

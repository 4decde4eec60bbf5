package notify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"schoolconnect/internal/apperr"
)

// BroadcastSentinel is the raw target meaning "every student".
const BroadcastSentinel = "all"

// TargetKind tags what a target identifier refers to.
type TargetKind int

const (
	TargetBroadcast TargetKind = iota + 1
	TargetStudent
	TargetClass
)

func (k TargetKind) String() string {
	switch k {
	case TargetBroadcast:
		return "broadcast"
	case TargetStudent:
		return "student"
	case TargetClass:
		return "class"
	}
	return "unknown"
}

// Target is one explicitly tagged recipient selector. Raw keeps the identifier
// as the caller sent it so the audit row can record the original targets.
type Target struct {
	Kind TargetKind
	ID   string
	Raw  string
}

// Broadcast targets every student.
func Broadcast() Target { return Target{Kind: TargetBroadcast, Raw: BroadcastSentinel} }

// StudentTarget targets one student.
func StudentTarget(id string) Target { return Target{Kind: TargetStudent, ID: id, Raw: id} }

// ClassTarget targets every member of a class.
func ClassTarget(id string) Target { return Target{Kind: TargetClass, ID: id, Raw: id} }

func (t Target) String() string {
	if t.Raw != "" {
		return t.Raw
	}
	if t.Kind == TargetBroadcast {
		return BroadcastSentinel
	}
	return t.ID
}

// Identifier tells whether untagged ids name a student or a class.
type Identifier interface {
	IsStudent(ctx context.Context, id string) (bool, error)
	IsClass(ctx context.Context, id string) (bool, error)
}

// TagTargets translates raw API targets into tagged ones. Accepted forms are
// the "all" sentinel, "student:<id>", "class:<id>" and bare ids, which are
// looked up as a student first and then as a class. Unknown bare ids are
// dropped with a warning.
func TagTargets(ctx context.Context, ident Identifier, raw []string) ([]Target, error) {
	if len(raw) == 0 {
		return nil, apperr.Invalid("targets required")
	}
	out := make([]Target, 0, len(raw))
	for _, r := range raw {
		v := strings.TrimSpace(r)
		switch {
		case v == "":
			continue
		case strings.EqualFold(v, BroadcastSentinel):
			out = append(out, Target{Kind: TargetBroadcast, Raw: r})
		case strings.HasPrefix(v, "student:"):
			out = append(out, Target{Kind: TargetStudent, ID: strings.TrimPrefix(v, "student:"), Raw: r})
		case strings.HasPrefix(v, "class:"):
			out = append(out, Target{Kind: TargetClass, ID: strings.TrimPrefix(v, "class:"), Raw: r})
		default:
			ok, err := ident.IsStudent(ctx, v)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, Target{Kind: TargetStudent, ID: v, Raw: r})
				continue
			}
			ok, err = ident.IsClass(ctx, v)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, Target{Kind: TargetClass, ID: v, Raw: r})
				continue
			}
			logrus.WithField("target", v).Warn("dropping unknown target")
			out = append(out, Target{Raw: r})
		}
	}
	return out, nil
}

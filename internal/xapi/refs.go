package xapi

import "encoding/json"

const (
	UsageActor      = "Actor"
	UsageObject     = "Object"
	UsageAuthority  = "Authority"
	UsageInstructor = "Instructor"
	UsageTeam       = "Team"
	UsageSubActor   = "SubActor"
	UsageSubObject  = "SubObject"

	UsageCategory = "Category"
	UsageGrouping = "Grouping"
	UsageParent   = "Parent"
	UsageOther    = "Other"
)

type ActorRef struct {
	IFI     string
	Usage   string
	Payload []byte
}

type ActivityRef struct {
	IRI     string
	Usage   string
	Payload []byte
}

// ActorRefs lists every agent the statement mentions, with the role it
// appears in. Group members are indexed alongside the group itself.
func (s *Statement) ActorRefs() []ActorRef {
	var refs []ActorRef
	refs = appendAgentRefs(refs, s.Actor, UsageActor)
	if obj, ok := s.ObjectAgent(); ok {
		refs = appendAgentRefs(refs, *obj, UsageObject)
	}
	if s.Authority != nil {
		refs = appendAgentRefs(refs, *s.Authority, UsageAuthority)
	}
	if s.Context != nil {
		if s.Context.Instructor != nil {
			refs = appendAgentRefs(refs, *s.Context.Instructor, UsageInstructor)
		}
		if s.Context.Team != nil {
			refs = appendAgentRefs(refs, *s.Context.Team, UsageTeam)
		}
	}
	if sub, ok := s.ObjectSubStatement(); ok {
		refs = appendAgentRefs(refs, sub.Actor, UsageSubActor)
		if objectTypeOf(sub.Object) == "Agent" || objectTypeOf(sub.Object) == "Group" {
			var agent Agent
			if err := json.Unmarshal(sub.Object, &agent); err == nil {
				refs = appendAgentRefs(refs, agent, UsageSubObject)
			}
		}
	}
	return refs
}

func appendAgentRefs(refs []ActorRef, agent Agent, usage string) []ActorRef {
	if ifi := agent.IFI(); ifi != "" {
		payload, err := json.Marshal(agent)
		if err == nil {
			refs = append(refs, ActorRef{IFI: ifi, Usage: usage, Payload: payload})
		}
	}
	for _, member := range agent.Member {
		if ifi := member.IFI(); ifi != "" {
			payload, err := json.Marshal(member)
			if err == nil {
				refs = append(refs, ActorRef{IFI: ifi, Usage: usage, Payload: payload})
			}
		}
	}
	return refs
}

// ActivityRefs lists every activity the statement mentions, with the
// role it appears in.
func (s *Statement) ActivityRefs() []ActivityRef {
	var refs []ActivityRef
	if act, ok := s.ObjectActivity(); ok {
		refs = appendActivityRef(refs, *act, UsageObject)
	}
	if s.Context != nil && s.Context.ContextActivities != nil {
		ca := s.Context.ContextActivities
		for _, act := range ca.Parent {
			refs = appendActivityRef(refs, act, UsageParent)
		}
		for _, act := range ca.Grouping {
			refs = appendActivityRef(refs, act, UsageGrouping)
		}
		for _, act := range ca.Category {
			refs = appendActivityRef(refs, act, UsageCategory)
		}
		for _, act := range ca.Other {
			refs = appendActivityRef(refs, act, UsageOther)
		}
	}
	if sub, ok := s.ObjectSubStatement(); ok {
		if objectTypeOf(sub.Object) == "Activity" {
			var act Activity
			if err := json.Unmarshal(sub.Object, &act); err == nil && act.ID != "" {
				refs = appendActivityRef(refs, act, UsageSubObject)
			}
		}
	}
	return refs
}

func appendActivityRef(refs []ActivityRef, act Activity, usage string) []ActivityRef {
	if act.ID == "" {
		return refs
	}
	payload, err := json.Marshal(act)
	if err != nil {
		return refs
	}
	return append(refs, ActivityRef{IRI: act.ID, Usage: usage, Payload: payload})
}

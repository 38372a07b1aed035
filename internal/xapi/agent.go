package xapi

import (
	"encoding/json"
	"fmt"
)

type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

// Agent covers both agents and groups; groups carry ObjectType "Group"
// and optionally Member.
type Agent struct {
	ObjectType  string   `json:"objectType,omitempty"`
	Name        string   `json:"name,omitempty"`
	Mbox        string   `json:"mbox,omitempty"`
	MboxSHA1Sum string   `json:"mbox_sha1sum,omitempty"`
	OpenID      string   `json:"openid,omitempty"`
	Account     *Account `json:"account,omitempty"`
	Member      []Agent  `json:"member,omitempty"`
}

// IFI returns the agent's inverse functional identifier in a stable
// keyable form, or "" for anonymous groups.
func (a Agent) IFI() string {
	switch {
	case a.Mbox != "":
		return "mbox::" + a.Mbox
	case a.MboxSHA1Sum != "":
		return "mbox_sha1sum::" + a.MboxSHA1Sum
	case a.OpenID != "":
		return "openid::" + a.OpenID
	case a.Account != nil:
		return fmt.Sprintf("account::%s@%s", a.Account.Name, a.Account.HomePage)
	}
	return ""
}

func (a Agent) IsGroup() bool {
	return a.ObjectType == "Group"
}

// Person is the aggregate returned by the agents resource.
type Person struct {
	ObjectType  string    `json:"objectType"`
	Name        []string  `json:"name,omitempty"`
	Mbox        []string  `json:"mbox,omitempty"`
	MboxSHA1Sum []string  `json:"mbox_sha1sum,omitempty"`
	OpenID      []string  `json:"openid,omitempty"`
	Account     []Account `json:"account,omitempty"`
}

// PersonFor folds one or more stored representations of the same agent
// into a Person object.
func PersonFor(agents ...Agent) Person {
	p := Person{ObjectType: "Person"}
	for _, a := range agents {
		if a.Name != "" {
			p.Name = appendUnique(p.Name, a.Name)
		}
		if a.Mbox != "" {
			p.Mbox = appendUnique(p.Mbox, a.Mbox)
		}
		if a.MboxSHA1Sum != "" {
			p.MboxSHA1Sum = appendUnique(p.MboxSHA1Sum, a.MboxSHA1Sum)
		}
		if a.OpenID != "" {
			p.OpenID = appendUnique(p.OpenID, a.OpenID)
		}
		if a.Account != nil {
			found := false
			for _, acc := range p.Account {
				if acc == *a.Account {
					found = true
					break
				}
			}
			if !found {
				p.Account = append(p.Account, *a.Account)
			}
		}
	}
	return p
}

func appendUnique(items []string, value string) []string {
	for _, item := range items {
		if item == value {
			return items
		}
	}
	return append(items, value)
}

// ParseAgent decodes the JSON form used by query parameters.
func ParseAgent(data []byte) (Agent, error) {
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return Agent{}, fmt.Errorf("parse agent: %w", err)
	}
	return a, nil
}

// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/jllopis/avva/pkg/skills"
)

// MemoryPermission guards writes to the user's memories.
const MemoryPermission = "memory.write"

// Memory remembers facts the user dictates.
type Memory struct {
	store MemoryStore
}

// NewMemory creates the memory skill.
func NewMemory(store MemoryStore) Memory {
	return Memory{store: store}
}

func (Memory) Describe() skills.Manifest {
	return skills.Manifest{
		Name:       "memory",
		EntryPoint: "memory",
		Intents: skills.Intents{
			Static: skills.Templates{
				{Key: "what do you remember", Call: "recall()"},
				{Key: "forget everything", Call: "clear_memory()"},
			},
			Regex: skills.Templates{
				{Key: "regex:remember that (.+?) is (.+)", Call: `remember("$1", "$2")`},
				{Key: "regex:what is my (.+)", Call: `recall("$1")`},
				{Key: "regex:recall (.+)", Call: `recall("$1")`},
			},
		},
		Tools: map[string]skills.ToolSpec{
			"remember":     {Description: "Store a fact as key and value.", Permissions: []string{MemoryPermission}},
			"recall":       {Description: "Recall a remembered fact by key, or list everything when no key is given."},
			"clear_memory": {Description: "Forget every remembered fact.", Permissions: []string{MemoryPermission}},
		},
	}
}

func (m Memory) Bind() map[string]skills.ToolFunc {
	return map[string]skills.ToolFunc{
		"remember":     m.remember,
		"recall":       m.recall,
		"clear_memory": m.clear,
	}
}

func (m Memory) remember(ctx context.Context, in skills.Input) (any, error) {
	key := strings.TrimSpace(in.Arg(0, "key"))
	value := strings.TrimSpace(in.Arg(1, "value"))
	if key == "" || value == "" {
		return "Tell me what to remember, for example: remember that my car is blue.", nil
	}
	if err := m.store.Remember(ctx, key, value); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Got it. Your %s is %s.", key, value), nil
}

func (m Memory) recall(ctx context.Context, in skills.Input) (any, error) {
	key := strings.TrimSpace(in.Arg(0, "key"))
	if key == "" {
		all, err := m.store.Memories(ctx)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return "I don't remember anything yet.", nil
		}
		facts := make([]string, 0, len(all))
		for _, mem := range all {
			facts = append(facts, mem.Key+" is "+mem.Value)
		}
		return map[string]any{
			"text":  "I remember that your " + strings.Join(facts, ", your ") + ".",
			"count": len(all),
		}, nil
	}
	mem, ok, err := m.store.Recall(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fmt.Sprintf("I don't have anything about '%s' in my memory.", key), nil
	}
	return fmt.Sprintf("Your %s is %s.", mem.Key, mem.Value), nil
}

func (m Memory) clear(ctx context.Context, _ skills.Input) (any, error) {
	all, err := m.store.Memories(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.ClearMemories(ctx); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Cleared %d memories.", len(all)), nil
}

package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/tools"
)

// capabilityOrder fixes the group order in the rendered catalog. Unknown
// capabilities sort after these, alphabetically.
var capabilityOrder = []string{"filesystem", "shell", "messaging", "subagents", "web", "scheduling"}

// preferredToolOrder pins common tools to the front of their group.
var preferredToolOrder = []string{"read_file", "write_file", "edit_file", "list_dir", "exec", "message", "spawn", "web_fetch", "cron"}

// RenderCatalog renders the runtime tool catalog grouped by capability.
// Past either compact threshold, per-tool descriptions and risk notes are
// suppressed and only name plus required params are emitted.
func RenderCatalog(reg *tools.Registry, compactToolThreshold, compactCharThreshold int) string {
	all := reg.All()
	if len(all) == 0 {
		return "No tools are available."
	}

	compact := compactToolThreshold > 0 && len(all) > compactToolThreshold
	full := renderCatalogMode(all, false)
	if !compact && compactCharThreshold > 0 && len(full) > compactCharThreshold {
		compact = true
	}
	if compact {
		return renderCatalogMode(all, true)
	}
	return full
}

func renderCatalogMode(all []tools.Tool, compact bool) string {
	groups := map[string][]tools.Tool{}
	for _, t := range all {
		group := "other"
		if ct, ok := t.(tools.CapabilityTool); ok {
			group = ct.Capability()
		}
		groups[group] = append(groups[group], t)
	}

	var names []string
	for name := range groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := capabilityRank(names[i]), capabilityRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	for _, group := range names {
		ts := groups[group]
		sort.Slice(ts, func(i, j int) bool {
			ri, rj := toolRank(ts[i].Name()), toolRank(ts[j].Name())
			if ri != rj {
				return ri < rj
			}
			return ts[i].Name() < ts[j].Name()
		})
		fmt.Fprintf(&b, "## %s\n", group)
		for _, t := range ts {
			required := requiredParams(t.Schema())
			if compact {
				fmt.Fprintf(&b, "- %s(%s)\n", t.Name(), strings.Join(required, ", "))
				continue
			}
			fmt.Fprintf(&b, "- %s: %s", t.Name(), t.Description())
			if len(required) > 0 {
				fmt.Fprintf(&b, " Required: %s.", strings.Join(required, ", "))
			}
			if rt, ok := t.(tools.RiskyTool); ok {
				fmt.Fprintf(&b, " CAUTION: %s", rt.RiskNote())
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func capabilityRank(name string) int {
	for i, c := range capabilityOrder {
		if c == name {
			return i
		}
	}
	return len(capabilityOrder)
}

func toolRank(name string) int {
	for i, t := range preferredToolOrder {
		if t == name {
			return i
		}
	}
	return len(preferredToolOrder)
}

func requiredParams(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

package codegen

import (
	"fmt"
	"strings"

	"github.com/omnilisp/omni/pkg/memory"
)

// Region plan rendering: the -v report of where every component's
// lifecycle calls land, and the emission of static-cycle group frees.

// ReportPlan renders the region engine's decisions for one program.
func ReportPlan(plan *memory.Plan) string {
	if plan == nil || len(plan.Placements) == 0 {
		return "no regions inferred\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d candidate regions:\n", len(plan.Placements))
	for _, pl := range plan.Placements {
		fmt.Fprintf(&sb, "  r_%d {%s} create@%s exit@%s [%d,%d]\n",
			pl.Comp.ID,
			strings.Join(pl.Comp.Members, " "),
			pl.CreateAt, pl.ExitAt,
			pl.Comp.Start, pl.Comp.End)
	}
	return sb.String()
}

// EmitStaticGroupFrees renders the single-point bulk release for each
// compile-time-proven cycle group: the group's region simply exits
// and destroys at the group's free point, no per-member RC.
func EmitStaticGroupFrees(groups []*memory.StaticGroup, plan *memory.Plan) string {
	var sb strings.Builder
	for _, grp := range groups {
		comp := -1
		if plan != nil {
			if id, ok := plan.VarRegion[grp.Members[0]]; ok {
				comp = id
			}
		}
		if comp < 0 {
			continue
		}
		fmt.Fprintf(&sb, "/* static cycle group scc=%d: %s */\n",
			grp.SCCID, strings.Join(grp.Members, " "))
		fmt.Fprintf(&sb, "region_exit(r_%d);\n", comp)
		fmt.Fprintf(&sb, "region_destroy_if_dead(r_%d);\n", comp)
	}
	return sb.String()
}

package mission

import (
	"fmt"
	"strings"
)

// Stage instruction blocks. The engine composes these with the problem
// statement, ground rules, write restrictions, and injected context.

const planningInstructions = `You are in the PLANNING stage of an autonomous R&D mission.

Produce a concrete implementation plan for the problem statement:
1. Break the work into numbered, independently executable tasks.
2. Name every file you expect to create or modify (relative paths).
3. State the success criteria the TESTING stage should verify.
4. Flag risks and unknowns that need research.

Write the plan as markdown. Save research notes under research/ and the
plan itself will be stored at artifacts/implementation_plan.md.`

const buildingInstructions = `You are in the BUILDING stage of an autonomous R&D mission.

Execute your assigned slice of the implementation plan. Create and
modify the files the plan names. Prefer small, verifiable increments.
Do not run destructive commands outside the mission workspace.`

const testingInstructions = `You are in the TESTING stage of an autonomous R&D mission.

Execute the success criteria from the implementation plan against the
workspace. Report honestly: if a criterion fails, set "status" to
"failed" in your response JSON and describe the failure in "summary".
Do not fix code in this stage beyond what verification itself requires.`

const analyzingInstructions = `You are in the ANALYZING stage of an autonomous R&D mission.

Review the cycle's build and test outcomes against the original
problem statement. Decide what happens next and end your response with
exactly one verdict line:

VERDICT: CONTINUE   - progress is real, another cycle would add value
VERDICT: COMPLETE   - the mission's goal is achieved
VERDICT: REGRESSION - this cycle broke something; rebuild before moving on
VERDICT: HALT - <reason> - the mission has drifted or cannot succeed

Support the verdict with evidence from the workspace.`

const cycleEndInstructions = `You are wrapping up one full cycle of an autonomous R&D mission.

Summarize the cycle in markdown with three sections:
## Summary (one paragraph)
## Achievements (bullets)
## Issues (bullets, empty if none)`

var stageInstructions = map[Stage]string{
	StagePlanning:  planningInstructions,
	StageBuilding:  buildingInstructions,
	StageTesting:   testingInstructions,
	StageAnalyzing: analyzingInstructions,
	StageCycleEnd:  cycleEndInstructions,
}

const groundRules = `## GROUND RULES

- Stay inside the mission workspace.
- Never delete work from previous cycles; build on it.
- Record evidence for every claim of success.
- If you are stuck, say so explicitly rather than inventing results.`

// composeStagePrompt builds the full prompt for a stage attempt.
// additions come from integration handlers; recovery and failure
// context appear only when present.
func composeStagePrompt(m *Mission, stage Stage, recoveryContext, failureContext string, additions []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# MISSION %s - %s (cycle %d of %d, iteration %d)\n\n",
		m.MissionID, stage, m.CurrentCycle, m.CycleBudget, m.Iteration)

	b.WriteString("## PROBLEM STATEMENT\n\n")
	b.WriteString(m.ProblemStatement)
	b.WriteString("\n\n")

	if recoveryContext != "" && (stage == StagePlanning || stage == StageBuilding) {
		b.WriteString(recoveryContext)
		b.WriteString("\n")
	}
	if failureContext != "" {
		b.WriteString("## PREVIOUS FAILURE CONTEXT\n\n")
		b.WriteString(failureContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## STAGE INSTRUCTIONS\n\n")
	b.WriteString(stageInstructions[stage])
	b.WriteString("\n\n")

	b.WriteString(groundRules)
	b.WriteString("\n\n## WRITE RESTRICTIONS\n\n")
	b.WriteString(DescribeRestrictions(stage, m.MissionWorkspace))
	b.WriteString("\n")

	if len(m.Cycles) > 0 && stage == StagePlanning {
		b.WriteString("\n## COMPLETED CYCLES\n\n")
		for _, c := range m.Cycles {
			fmt.Fprintf(&b, "- Cycle %d: %s\n", c.Cycle, firstNonEmptyLine(c.Summary))
		}
	}

	for _, extra := range additions {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}

	return b.String()
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			if len(t) > 160 {
				t = t[:160] + "..."
			}
			return t
		}
	}
	return "(no summary)"
}

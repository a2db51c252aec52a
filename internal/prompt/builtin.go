package prompt

import "sort"

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	"enrichment.md":      enrichmentTemplate,
	"decomposition.md":   decompositionTemplate,
	"estimation.md":      estimationTemplate,
	"solution_design.md": solutionDesignTemplate,
	"coding.md":          codingTemplate,
	"testing.md":         testingTemplate,
	"supervisor.md":      supervisorTemplate,
}

// BuiltinNames lists the built-in template names in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

const jsonOnly = `Your response MUST be a single valid JSON object. Do not include any other text or markdown fences.`

const enrichmentTemplate = `You are a business analyst. Enrich the user story by clarifying scope, assumptions and dependencies.
Expand the acceptance criteria into a detailed list that covers edge cases and risks.
Pay close attention to any attached images for UI requirements.

Respond with:
{"description": "<enriched story>", "acceptanceCriteria": ["<criterion>", ...]}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
{{#if issue_id}}Issue: {{issue_id}}
{{/if}}Story:
{{story}}
{{#if acceptance_criteria}}
Known acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if images}}
Attached UI/visual references:
{{images}}
{{/if}}{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const decompositionTemplate = `You are a senior tech lead. Decompose the enriched user story into technical subtasks for
Frontend (FE), Backend (BE) and Shared categories. For each subtask give a concise summary and a
detailed solution approach. Identify technical risks.

Respond with:
{"feTasks": [{"summary": "...", "solutionApproach": "..."}], "beTasks": [...], "sharedTasks": [...], "risks": ["..."]}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
Story:
{{requirement}}
{{#if acceptance_criteria}}
Acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if images}}
Attached UI/visual references:
{{images}}
{{/if}}{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const estimationTemplate = `You are a senior engineering manager. Provide a detailed solution approach and a Level of Effort
breakdown for Frontend (FE), Backend (BE), Quality Assurance (QA) and Code Review (Review).
Express every LOE in hours, e.g. "6h". Use one unit consistently for the whole story.
{{#if effort_units}}Conversions if you think in other units: {{effort_units}}.
{{/if}}

Respond with:
{"approach": "...", "LOE": {"FE": "<effort>", "BE": "<effort>", "QA": "<effort>", "Review": "<effort>"}}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
Story:
{{requirement}}
{{#if acceptance_criteria}}
Acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if tasks}}
Identified tasks:
{{tasks}}
{{/if}}{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const solutionDesignTemplate = `You are a solution architect. The story below exceeds the effort threshold and needs a written
design before implementation. Describe components, data flow, interfaces and rollout. Include a
diagram in mermaid or plantuml syntax when it helps.

Respond with:
{"title": "...", "solutionDesign": "<markdown body>", "diagramCode": "<diagram source or empty>", "diagramType": "mermaid|plantuml|none"}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
Story:
{{requirement}}
{{#if tasks}}
Decomposed tasks:
{{tasks}}
{{/if}}{{#if risks}}
Risks:
{{risks}}
{{/if}}
Estimated approach: {{approach}}
Estimated effort:
{{effort}}
Total: {{total_effort}}
{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const codingTemplate = `You are a senior full-stack engineer. Propose the file changes (create, modify or delete) that
implement the decomposed tasks. Return FULL file content, never diffs. Paths are relative to the
repository root. Do not list directories. If no files need to change, return an empty "files" object.

Respond with:
{"files": {"<path>": {"action": "create|modify|delete", "content": "<full content>"}}}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
User story:
{{requirement}}

Decomposed technical tasks with solution approaches:
{{tasks}}
{{#if solution_design}}
Solution design:
{{solution_design}}
{{/if}}{{#if existing_files}}
Current content of files you may modify:
{{existing_files}}
{{/if}}{{#if change_set}}
Previously proposed changes:
{{change_set}}
{{/if}}{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const testingTemplate = `You are a QA lead. Generate detailed test scenarios with Gherkin steps. Cover every acceptance
criterion, every identified risk and the decomposed tasks. Mention the criterion a scenario covers
in its title.

Respond with:
{"testScenarios": [{"scenarioTitle": "...", "gherkinSteps": ["Given ...", "When ...", "Then ..."]}]}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
Story:
{{requirement}}
{{#if acceptance_criteria}}
Acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if tasks}}
Decomposed tasks:
{{tasks}}
{{/if}}{{#if risks}}
Identified risks:
{{risks}}
{{/if}}{{#if change_set}}
Proposed code changes:
{{change_set}}
{{/if}}{{#if feedback}}
Reviewer feedback to address (revision {{revision}}):
{{feedback}}
{{/if}}`

const supervisorTemplate = `You are the Supervisor. Review the outputs of the earlier stages and validate them.
Check decomposition (FE, BE, Shared and Risks present, non-empty, relevant).
Check estimation (numeric effort per track).
Check code (aligned with decomposition tasks).
Check tests (cover acceptance criteria).
Check delivery (branch and pull request).
Stage names: enrichment, decomposition, estimation, solution_design, coding, testing.

Respond with:
{"status": "ok" | "needs_revision", "missing": ["<stage>"], "revisionNeeded": ["<stage>"], "feedback": "<notes>" | {"<stage>": "<notes>"}}

` + jsonOnly + `

Project context: {{project_context}}
` + UserMarker + `
Story:
{{requirement}}
{{#if acceptance_criteria}}
Acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if tasks}}
Decomposition:
{{tasks}}
{{/if}}{{#if risks}}
Risks:
{{risks}}
{{/if}}
Estimation approach: {{approach}}
Effort:
{{effort}}
Total: {{total_effort}}
{{#if solution_design}}
Solution design:
{{solution_design}}
{{/if}}{{#if change_set}}
Code changes:
{{change_set}}
{{/if}}{{#if delivery}}
Delivery: {{delivery}}
{{/if}}{{#if test_plan}}
Test plan:
{{test_plan}}
{{/if}}{{#if findings}}
Automated checks found:
{{findings}}
{{/if}}`

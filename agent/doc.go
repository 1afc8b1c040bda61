// Package agent defines the declarative agent model consumed by agentd.
//
// An Agent is loaded from a YAML definition and carries one or more Roles.
// A Role bundles the prompt, the guardrails (iteration and token budgets) and
// the triggers that drive the role when the agent runs as a daemon.
//
// # Definition
//
//	name: triage
//	model: gpt-4o-mini
//	instructions: You triage incoming issues.
//	memory:
//	  max_sessions: 50
//	roles:
//	  - name: default
//	    guardrails:
//	      max_iterations: 8
//	      daemon_daily_token_budget: 200000
//	    triggers:
//	      - type: webhook
//	        port: 8081
//	        path: /hooks/github
//	      - type: cron
//	        schedule: "0 9 * * 1-5"
//	        timezone: Europe/Berlin
//	        prompt: Summarize yesterday's open issues.
//
// # Results
//
// Every execution produces a RunResult. A RunResult is never mutated after it
// is returned; the audit logger, sinks and memory store all read the same
// value.
package agent

// Package triage provides the business boundary for finding intake. It
// defines the Processor (evidence capture, best-effort tagging, handoff to the
// workflow engine), the Service (severity gate, redelivery collapse, bounded
// retry, dead-lettering), and the triage error taxonomy.
package triage

package telemetry

import "go.opentelemetry.io/otel/attribute"

func taskAttr(task string) attribute.KeyValue {
	return attribute.String("task", task)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}

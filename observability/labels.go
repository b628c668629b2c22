package observability

const (
	// StackName is the label name identifying which stack a metric
	// belongs to, so multiple stacks can share one process.
	StackName = "stack_name"

	// Reason is the label name explaining why a packet was dropped.
	Reason = "reason"

	// Namespace is the prometheus namespace of all the stack metrics.
	Namespace = "net_stack"
)

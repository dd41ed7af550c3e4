package reflow

// runGateway copies inputs to like-keyed outputs. Gateways are pure
// synchronization and routing hubs; they perform no I/O and never
// retry.
func (n *NodeInstance) runGateway(model *NodeMetamodel, inputs map[string]any) map[string]any {
	outputs := make(map[string]any, len(model.OutputPorts))
	for _, port := range model.OutputPorts {
		if v, ok := inputs[port.Key]; ok {
			outputs[port.Key] = v
		}
	}
	return outputs
}

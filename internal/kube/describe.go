package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	kerrors "github.com/dc-tec/kdeploy/internal/errors"
	"github.com/dc-tec/kdeploy/internal/interfaces"
	"github.com/dc-tec/kdeploy/internal/manifest"
)

const maxDescribedEvents = 10

// Describe implements interfaces.ClusterExecutor. For each resource it renders the live
// status as YAML followed by the most recent events involving it.
func (e *ClientExecutor) Describe(ctx context.Context, ids []manifest.ResourceID) (interfaces.ExecResult, error) {
	var b strings.Builder
	eventsByNamespace := map[string][]corev1.Event{}

	for _, id := range ids {
		fmt.Fprintf(&b, "Name: %s\nNamespace: %s\nKind: %s\n", id.Name, id.Namespace, id.Kind)

		live, err := e.GetLive(ctx, id)
		if err != nil {
			return interfaces.ExecResult{}, err
		}
		if live == nil {
			b.WriteString("Status: <not found>\n\n")
			continue
		}
		if status, ok := live.Object["status"]; ok {
			out, err := yaml.Marshal(map[string]interface{}{"status": status})
			if err != nil {
				return interfaces.ExecResult{}, fmt.Errorf("failed to render status of %s: %w", id.Ref(), err)
			}
			b.Write(out)
		}

		events, ok := eventsByNamespace[id.Namespace]
		if !ok {
			list := &corev1.EventList{}
			if err := e.client.List(ctx, list, client.InNamespace(id.Namespace)); err != nil {
				return interfaces.ExecResult{}, kerrors.WrapTransport(fmt.Errorf("failed to list events in %s: %w", id.Namespace, err))
			}
			events = list.Items
			sort.Slice(events, func(i, j int) bool {
				return events[i].LastTimestamp.After(events[j].LastTimestamp.Time)
			})
			eventsByNamespace[id.Namespace] = events
		}
		writeEvents(&b, id, events)
		b.WriteString("\n")
	}

	return interfaces.ExecResult{Success: true, Output: b.String()}, nil
}

func writeEvents(b *strings.Builder, id manifest.ResourceID, events []corev1.Event) {
	b.WriteString("Events:\n")
	written := 0
	for _, ev := range events {
		if ev.InvolvedObject.Kind != id.Kind || ev.InvolvedObject.Name != id.Name {
			continue
		}
		fmt.Fprintf(b, "  %s\t%s\t%s\n", ev.Type, ev.Reason, ev.Message)
		written++
		if written == maxDescribedEvents {
			break
		}
	}
	if written == 0 {
		b.WriteString("  <none>\n")
	}
}

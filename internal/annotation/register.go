package annotation

import (
	sdkactivity "go.temporal.io/sdk/activity"
)

// Registry is the part of a Temporal worker, or of a test workflow
// environment, that registers activities.
type Registry interface {
	RegisterActivityWithOptions(a any, options sdkactivity.RegisterOptions)
}

// Register registers every activity under its fixed name.
func (a *Activities) Register(r Registry) {
	r.RegisterActivityWithOptions(a.PrepareQueue, sdkactivity.RegisterOptions{Name: ActivityPrepareQueue})
	r.RegisterActivityWithOptions(a.ProcessSample, sdkactivity.RegisterOptions{Name: ActivityProcessSample})
	r.RegisterActivityWithOptions(a.RecordTerminal, sdkactivity.RegisterOptions{Name: ActivityRecordTerminal})
	r.RegisterActivityWithOptions(a.SetWorkerStatus, sdkactivity.RegisterOptions{Name: ActivitySetWorkerStatus})
}

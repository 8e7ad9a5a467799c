package constants

// SelfTestCommand is the TSPL command that makes a printer print its self-test page.
const SelfTestCommand = "SELFTEST \r\n"

// Task statuses
const (
	// TaskStatusPending indicates that the print command was published but not yet acknowledged
	TaskStatusPending = "pending"
	// TaskStatusPrinting indicates that the printer is working on the task
	TaskStatusPrinting = "printing"
	// TaskStatusCompleted indicates that the task finished successfully
	TaskStatusCompleted = "completed"
	// TaskStatusFailed indicates that the printer gave up on the task
	TaskStatusFailed = "failed"
)

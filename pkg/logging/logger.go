package logging

// Logger is the entry point for application code. It forwards every call to
// the bound Consumer so implementations can be swapped without touching
// callers.
type Logger struct {
	consumer Consumer
}

func NewLogger(consumer Consumer) *Logger {
	return &Logger{consumer: consumer}
}

func (l *Logger) Log(data any) {
	l.consumer.Send(data)
}

func (l *Logger) Start(opts StartOptions) error {
	return l.consumer.Start(opts)
}

func (l *Logger) Stop(opts StopOptions) {
	l.consumer.Stop(opts)
}

package mock

// log is where the server reports what it does. It is silent unless a test
// installs a logger, e.g. 'mock.SetLogger(slog.Default())'.
var log Logger = noopLogger{}

func SetLogger(l Logger) {
	log = l
}

// Logger is satisfied by '*slog.Logger' and '*clog.Logger'.
type Logger interface {
	Debug(string, ...any)
	Info(string, ...any)
	Warn(string, ...any)
	Error(string, ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

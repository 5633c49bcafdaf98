package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	exportDir string
	stdout    io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput sets where the JSON logger writes. Defaults to stdout.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithExportDir sets the directory RunExport writes pages to.
func WithExportDir(dir string) Option {
	return func(a *application) {
		a.exportDir = dir
	}
}

// WithStdout sets where one-shot commands print their results. Defaults to stdout.
func WithStdout(w io.Writer) Option {
	return func(a *application) {
		a.stdout = w
	}
}

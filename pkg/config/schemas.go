package config

import (
	"errors"

	cueerrors "cuelang.org/go/cue/errors"
)

// configSchema constrains service configuration files written in CUE.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	store?: {
		driver?:          "memory" | "sqlite" | "postgres"
		path?:            string
		dsn?:             string
		maxOpenConns?:    int & >=0
		maxIdleConns?:    int & >=0
		connMaxLifetime?: #Duration
	}
	tasks?: {
		expiration?:    #Duration
		sweepSchedule?: string
		trackRequests?: bool
		parallelism?:   int & >=0
	}
	reconcile?: {
		enabled?:          bool
		schedule?:         string
		concurrency?:      int & >=1
		dryRun?:           bool
		descriptors?:      string
		watchDescriptors?: bool
		policies?: [...string]
		watchPolicies?: bool
	}
	adapter?: {
		driver?:   "simulated" | "ssh"
		latency?:  #Duration
		hostLink?: string
		ssh?: {
			target?:         string
			jump?:           string
			user?:           string
			keyPath?:        string
			keyPassphrase?:  string
			password?:       string
			knownHosts?:     string
			insecure?:       bool
			connectTimeout?: #Duration
			commandTimeout?: #Duration
			keepAlive?:      #Duration
		}
	}
	events?: {
		url?:           string
		exchange?:      string
		routingPrefix?: string
		bufferSize?:    int & >=1
	}
	telemetry?: {
		serviceName?: string
		environment?: string
		logLevel?:    "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		logFormat?:   "console" | "json"
		tracing?: {
			exporter?:     "none" | "stdout" | "otlp"
			endpoint?:     string
			samplingRate?: number & >=0 & <=1
			insecure?:     bool
		}
		metrics?: {
			enabled?:       bool
			listenAddress?: string
			path?:          string
		}
	}
}
`

// catalogSchema constrains descriptor catalogs. A descriptor's name
// defaults to its key.
const catalogSchema = `
#Descriptor: {
	link?:  =~"^/"
	name:   string & !=""
	image:  string & !=""
	env?: [...=~"^[^=]+=.*$"]
	clusterSize?: int & >=0
	healthConfig?: {
		autoRedeploy?: bool
	}
	system?: bool
	tenantLinks?: [...string]
	customProperties?: [string]: string
}

descriptors?: [Name=string]: #Descriptor & {name: *Name | string}
`

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// joinCUEErrors returns one error listing every CUE error.
func joinCUEErrors(err error) error {
	var errs []error
	for _, ve := range convertCUEErrors(err) {
		errs = append(errs, ve)
	}
	if len(errs) == 0 {
		return err
	}
	return errors.Join(errs...)
}

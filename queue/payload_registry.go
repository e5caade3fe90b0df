package queue

import "github.com/c360studio/semstreams/payloadregistry"

// payloadRegistry holds the export payload registrations; semstreams
// v1.0.0-beta.38 replaced the global component payload registry with
// explicit payloadregistry.Registry instances.
var payloadRegistry = payloadregistry.New()

func init() {
	if err := payloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "export",
		Category:    "job",
		Version:     "v1",
		Description: "Export job submission from the workflow engine",
		Factory:     func() any { return &ExportJobMessage{} },
	}); err != nil {
		panic("failed to register ExportJobMessage: " + err.Error())
	}

	if err := payloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "export",
		Category:    "task",
		Version:     "v1",
		Description: "Overflowed download task awaiting a pool slot",
		Factory:     func() any { return &DownloadTaskMessage{} },
	}); err != nil {
		panic("failed to register DownloadTaskMessage: " + err.Error())
	}
}

package archive

// Prefix is the storage namespace for one connection's raw batches. Every
// batch is stored under it and purged with it when the connection goes.
func Prefix(platformID, connectionID string) string {
	return "raw/" + platformID + "/" + connectionID + "/"
}

// Archiver stores raw fetched payload batches for replay and debugging.
// Archival is best-effort; a failing archiver never fails a polling run.
type Archiver interface {
	Store(filename string, data []byte) error
	Retrieve(filename string) ([]byte, error)
	List(prefix string) ([]string, error)
	Delete(filename string) error
}

// Noop discards everything; used when no archive storage is configured.
type Noop struct{}

var _ Archiver = (*Noop)(nil)

func (Noop) Store(string, []byte) error        { return nil }
func (Noop) Retrieve(string) ([]byte, error)   { return nil, nil }
func (Noop) List(string) ([]string, error)     { return nil, nil }
func (Noop) Delete(string) error               { return nil }

package efi

// Status mirrors EFI_STATUS. The top bit marks an error, the low bits
// carry the code from the UEFI spec's Appendix D.
type Status uint64

const statusErr Status = 1 << 63

const (
	Success          Status = 0
	LoadError        Status = statusErr | 1
	InvalidParameter Status = statusErr | 2
	Unsupported      Status = statusErr | 3
	OutOfResources   Status = statusErr | 9
	NotFound         Status = statusErr | 14
)

func (s Status) Error() string {
	switch s {
	case Success:
		return "success"
	case LoadError:
		return "load error"
	case InvalidParameter:
		return "invalid parameter"
	case Unsupported:
		return "unsupported"
	case OutOfResources:
		return "out of resources"
	case NotFound:
		return "not found"
	}
	return "unknown status"
}

func (s Status) Err() bool {
	return s&statusErr != 0
}

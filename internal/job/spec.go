package job

// Spec is the capability shared by every job input type. It can only be
// satisfied by embedding BaseSpec.
type Spec interface {
	JobType() string
	isJobSpec()
}

// BaseSpec carries the discriminator that selects a registered handler.
// Concrete specs embed it and add their own validated fields.
type BaseSpec struct {
	Type string `json:"job_type" validate:"required"`
}

// JobType returns the job_type discriminator.
func (s BaseSpec) JobType() string { return s.Type }

func (BaseSpec) isJobSpec() {}

func (s *BaseSpec) setJobType(t string) { s.Type = t }

type jobTypeSetter interface {
	setJobType(string)
}

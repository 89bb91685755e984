// Package lifecycle drives cache generations through install, activation and
// reclamation.
//
// A Controller owns the transition idle -> installing -> waiting_activation ->
// active. Installing a new version while another is active leaves the active
// generation serving (Status.Updating) until Activate promotes the new one and
// deletes every other tag. Lifecycle operations run one at a time; readers only
// load the active generation through Current and never wait on them.
package lifecycle

package participant

import "crypto/subtle"

// Credentials holds the shared secrets a participant validates.
type Credentials struct {
	CoordinatorKey        string
	InteractiveSessionKey string
}

func keyEqual(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// CheckCoordinator validates the coordinator key carried by a live call.
// An unset expected key accepts any caller.
func (c Credentials) CheckCoordinator(key string) error {
	if c.CoordinatorKey != "" && !keyEqual(c.CoordinatorKey, key) {
		return ErrUnauthorized
	}
	return nil
}

// CheckRecovery validates a session-less recovery call, which must present
// both the coordinator key and the interactive session key.
func (c Credentials) CheckRecovery(interactiveSessionKey, coordinatorKey string) error {
	if err := c.CheckCoordinator(coordinatorKey); err != nil {
		return err
	}
	if c.InteractiveSessionKey != "" && !keyEqual(c.InteractiveSessionKey, interactiveSessionKey) {
		return ErrUnauthorized
	}
	return nil
}

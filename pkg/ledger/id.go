package ledger

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Identifier markers, as used by Indy ledgers.
const (
	schemaMarker  = "2"
	credDefMarker = "3"
	signatureCL   = "CL"
)

const issuerDIDLength = 16

// SchemaID derives the schema identifier <did>:2:<name>:<version>. The
// same inputs always give the same id.
func SchemaID(did, name, version string) string {
	return strings.Join([]string{did, schemaMarker, name, version}, ":")
}

// CredDefID derives the credential definition identifier
// <did>:3:CL:<schemaID>:<tag>.
func CredDefID(did, schemaID, tag string) string {
	return strings.Join([]string{did, credDefMarker, signatureCL, schemaID, tag}, ":")
}

// ParseSchemaID splits a schema id into its parts.
func ParseSchemaID(id string) (did, name, version string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 || parts[1] != schemaMarker {
		return "", "", "", fmt.Errorf("%w: schema id %q", ErrInvalidID, id)
	}
	did, name, version = parts[0], parts[2], parts[3]
	if err := validateSchemaInput(did, name, version); err != nil {
		return "", "", "", fmt.Errorf("%w: schema id %q", ErrInvalidID, id)
	}
	return did, name, version, nil
}

// ParseCredDefID splits a credential definition id into its parts.
func ParseCredDefID(id string) (did, schemaID, tag string, err error) {
	parts := strings.Split(id, ":")
	// did:3:CL + 4 schema parts + tag
	if len(parts) != 8 || parts[1] != credDefMarker || parts[2] != signatureCL {
		return "", "", "", fmt.Errorf("%w: cred def id %q", ErrInvalidID, id)
	}
	did, schemaID, tag = parts[0], strings.Join(parts[3:7], ":"), parts[7]
	if err := validateDID(did); err != nil {
		return "", "", "", fmt.Errorf("%w: cred def id %q", ErrInvalidID, id)
	}
	if _, _, _, err := ParseSchemaID(schemaID); err != nil {
		return "", "", "", fmt.Errorf("%w: cred def id %q", ErrInvalidID, id)
	}
	if err := validatePart("tag", tag); err != nil {
		return "", "", "", fmt.Errorf("%w: cred def id %q", ErrInvalidID, id)
	}
	return did, schemaID, tag, nil
}

// validateDID accepts unqualified Indy DIDs only; a qualified DID would make
// the colon separated ids ambiguous.
func validateDID(did string) error {
	b, err := base58.Decode(did)
	if err != nil || len(b) != issuerDIDLength {
		return fmt.Errorf("%w: issuer did %q", ErrInvalidInput, did)
	}
	return nil
}

func validatePart(field, v string) error {
	if v == "" || strings.ContainsAny(v, ": \t\n") {
		return fmt.Errorf("%w: %s %q", ErrInvalidInput, field, v)
	}
	return nil
}

func validateSchemaInput(did, name, version string) error {
	if err := validateDID(did); err != nil {
		return err
	}
	if err := validatePart("name", name); err != nil {
		return err
	}
	return validatePart("version", version)
}

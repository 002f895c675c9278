package manifest

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is written into every manifest file.
const SchemaVersion = 1

type envelope struct {
	Version int             `json:"version"`
	Kind    Kind            `json:"kind"`
	Entry   json.RawMessage `json:"entry"`
}

// Marshal encodes an entry with its kind and schema version.
func Marshal(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(envelope{Version: SchemaVersion, Kind: e.EntryKind(), Entry: body}, "", "  ")
}

// Unmarshal decodes a manifest file into the concrete entry type.
func Unmarshal(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to read manifest envelope: %w", err)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", env.Version)
	}

	var e Entry
	switch env.Kind {
	case KindProject:
		e = &Project{}
	case KindUser:
		e = &User{}
	case KindRoleAssignment:
		e = &RoleAssignment{}
	case KindServer:
		e = &Server{}
	case KindImage:
		e = &Image{}
	case KindVolume:
		e = &Volume{}
	default:
		return nil, fmt.Errorf("unknown manifest kind: %q", env.Kind)
	}

	if err := json.Unmarshal(env.Entry, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s manifest: %w", env.Kind, err)
	}
	return e, nil
}

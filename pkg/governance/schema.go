package governance

// proposalSchema is the Draft 2020-12 structural schema for proposal
// documents. Phase-1 validation compiles and enforces it before any canon
// check runs.
const proposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["proposal_id", "source", "scope", "preconditions", "baseline", "patch", "explain", "rate_limit", "human_gate"],
  "properties": {
    "proposal_id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "scope": {
      "type": "object",
      "required": ["domain", "subsystem", "severity", "blast_radius"],
      "properties": {
        "domain": {"type": "string", "minLength": 1},
        "subsystem": {"type": "string", "minLength": 1},
        "severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
        "blast_radius": {"type": "string", "enum": ["local", "subsystem", "system", "external"]}
      }
    },
    "preconditions": {
      "type": "object",
      "required": ["constitution_refs", "observation_window", "sample", "stability"],
      "properties": {
        "constitution_refs": {
          "type": "array",
          "items": {"type": "string", "minLength": 1}
        },
        "observation_window": {
          "type": "object",
          "required": ["mode"],
          "properties": {
            "mode": {"type": "string", "enum": ["time", "events"]},
            "t_window_s": {"type": "integer", "minimum": 0},
            "n_events": {"type": "integer", "minimum": 0}
          }
        },
        "sample": {
          "type": "object",
          "required": ["n_min", "n_observed"],
          "properties": {
            "n_min": {"type": "integer", "minimum": 1},
            "n_observed": {"type": "integer", "minimum": 0}
          }
        },
        "stability": {
          "type": "object",
          "required": ["k_confirmations", "epsilon_bps"],
          "properties": {
            "k_confirmations": {"type": "integer", "minimum": 0},
            "epsilon_bps": {"type": "integer", "minimum": 0},
            "summary": {"type": "string"}
          }
        }
      }
    },
    "baseline": {
      "type": "object",
      "required": ["snapshot_id", "policy_hash"],
      "properties": {
        "snapshot_id": {"type": "integer", "minimum": 1},
        "policy_hash": {"type": "string", "pattern": "^(sha256:)?[0-9a-f]{64}$"}
      }
    },
    "patch": {
      "type": "object",
      "required": ["format", "ops"],
      "properties": {
        "format": {"type": "string", "const": "json-patch-minimal"},
        "ops": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["op", "path"],
            "properties": {
              "op": {"type": "string", "enum": ["add", "replace", "remove"]},
              "path": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "explain": {
      "type": "object",
      "required": ["summary"],
      "properties": {
        "summary": {"type": "string", "minLength": 1},
        "rollback_scope": {"type": "string"},
        "risk_note": {"type": "string"}
      }
    },
    "rate_limit": {
      "type": "object",
      "required": ["max_applies_per_day", "cooldown_s"],
      "properties": {
        "max_applies_per_day": {"type": "integer", "minimum": 1},
        "cooldown_s": {"type": "integer", "minimum": 0}
      }
    },
    "human_gate": {
      "type": "object",
      "required": ["required", "reasons"],
      "properties": {
        "required": {"type": "boolean"},
        "reasons": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

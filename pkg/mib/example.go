package mib

import "os"

// GenerateExampleConfig returns a commented example configuration
func GenerateExampleConfig() string {
	return `# CFDP entity configuration

log_level: info        # debug, info, warn, error
frame_debug: false     # hex dump every PDU sent and received

local:
  id: 1
  entity_id_length: 2        # octets, 1-8
  sequence_number_length: 4  # octets, 1-8
  listen: ":4556"
  transport: udp             # udp, tcp, quic, websocket, memory
  filestore_root: ~/cfdp
  max_concurrent_io: 8
  store_path: ~/cfdp/cfdp.db # empty keeps sequence numbers in memory
  retention_window: 30s      # disposed transactions are remembered this long
  history_limit: 1000
  fault_handlers:            # cancel, suspend, ignore, abandon
    positive_ack_limit_reached: abandon
    file_checksum_failure: ignore
    inactivity_detected: cancel
    nak_limit_reached: cancel

# Applied to every remote entity below and to entities not listed
defaults:
  transport: udp
  default_class: 2
  checksum: modular          # modular, proximity1-crc32, crc32c, crc32, null
  max_segment_length: 1024
  crc_required: false
  positive_ack_required: true
  nak_required: true
  immediate_nak: false
  closure_requested: false
  retain_incomplete: false
  ack_timer: 5s
  ack_limit: 3
  nak_timer: 5s
  nak_limit: 3
  inactivity_timer: 60s
  check_timer: 5s
  check_limit: 3
  keep_alive_interval: 0s
  keep_alive_discrepancy_limit: 1048576

remotes:
  - id: 2
    address: "192.168.1.20:4556"
  - id: 3
    address: "ground.example.org:4556"
    transport: quic
    checksum: crc32
    ack_timer: 20s
    inactivity_timer: 5m

metrics:
  enabled: true
  listen: ":9110"
  path: /metrics
`
}

// WriteExampleConfig writes the example configuration to path
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}

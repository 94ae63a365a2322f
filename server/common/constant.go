package common

// LSNT is a log sequence number: a monotonic byte position in the redo
// log, stamped onto pages as they are modified.
type LSNT uint64

type MaxSlotsPerPage uint16

// InnoDB page size constant
const UNIV_PAGE_SIZE = 16384 // 16KB default page size

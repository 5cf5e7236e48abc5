package deagg

// Wire messages of the Kinesis Producer Library aggregation format (proto2).

type AggregatedRecord struct {
	PartitionKeyTable    []string  `protobuf:"bytes,1,rep,name=partition_key_table,json=partitionKeyTable"`
	ExplicitHashKeyTable []string  `protobuf:"bytes,2,rep,name=explicit_hash_key_table,json=explicitHashKeyTable"`
	Records              []*Record `protobuf:"bytes,3,rep,name=records"`
}

func (*AggregatedRecord) Reset()         {}
func (*AggregatedRecord) String() string { return "AggregatedRecord" }
func (*AggregatedRecord) ProtoMessage()  {}

type Record struct {
	PartitionKeyIndex    *uint64 `protobuf:"varint,1,req,name=partition_key_index,json=partitionKeyIndex"`
	ExplicitHashKeyIndex *uint64 `protobuf:"varint,2,opt,name=explicit_hash_key_index,json=explicitHashKeyIndex"`
	Data                 []byte  `protobuf:"bytes,3,req,name=data"`
	Tags                 []*Tag  `protobuf:"bytes,4,rep,name=tags"`
}

func (*Record) Reset()         {}
func (*Record) String() string { return "Record" }
func (*Record) ProtoMessage()  {}

type Tag struct {
	Key   *string `protobuf:"bytes,1,req,name=key"`
	Value *string `protobuf:"bytes,2,opt,name=value"`
}

func (*Tag) Reset()         {}
func (*Tag) String() string { return "Tag" }
func (*Tag) ProtoMessage()  {}
